package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// Config HTTP server 設定
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewApp 建立 fiber app 並註冊路由
func NewApp(h *Handler, cfg Config, logger *zap.Logger) *fiber.App {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	app := fiber.New(fiber.Config{
		AppName:               "balance-ledger",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(accessLog(logger))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	accounts := app.Group("/accounts")
	accounts.Post("/transfer", h.Transfer)
	accounts.Post("/:id/deposit", h.Deposit)
	accounts.Post("/:id/withdraw", h.Withdraw)
	accounts.Get("/:id/balance", h.GetBalance)
	accounts.Get("/:id/transactions", h.GetTransactions)

	return app
}

// errorHandler 未被 handler 處理的錯誤 (路由不存在、panic) 也用同樣的錯誤格式
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		message = fe.Message
	}
	return writeError(c, status, "HTTP_"+strconv.Itoa(status), statusTitle(status), message)
}

func statusTitle(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "Not Found"
	case fiber.StatusMethodNotAllowed:
		return "Method Not Allowed"
	case fiber.StatusBadRequest:
		return "Invalid Request"
	default:
		return "Internal Server Error"
	}
}

func accessLog(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// 交給 ErrorHandler 寫入回應，這裡才拿得到最終狀態碼
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		status := c.Response().StatusCode()
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("request", fields...)
		} else {
			logger.Info("request", fields...)
		}
		return nil
	}
}
