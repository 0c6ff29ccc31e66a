package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields are the keys every saga step logs with.
type Fields struct {
	Service    string
	TxID       string
	OrderID    string
	EventID    string
	Step       string
	Status     string
	DurationMS int64
}

// Zap converts non-empty fields to zap fields.
func (f Fields) Zap() []zap.Field {
	out := make([]zap.Field, 0, 7)
	if f.Service != "" {
		out = append(out, zap.String("service", f.Service))
	}
	if f.TxID != "" {
		out = append(out, zap.String("txid", f.TxID))
	}
	if f.OrderID != "" {
		out = append(out, zap.String("order_id", f.OrderID))
	}
	if f.EventID != "" {
		out = append(out, zap.String("event_id", f.EventID))
	}
	if f.Step != "" {
		out = append(out, zap.String("step", f.Step))
	}
	if f.Status != "" {
		out = append(out, zap.String("status", f.Status))
	}
	if f.DurationMS != 0 {
		out = append(out, zap.Int64("duration_ms", f.DurationMS))
	}
	return out
}

// New builds the JSON logger used by every binary.
func New(service, level string) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		lvl,
	)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

func OrderID(id string) zap.Field { return zap.String("order_id", id) }

func EventID(id string) zap.Field { return zap.String("event_id", id) }

func Step(name string) zap.Field { return zap.String("step", name) }
