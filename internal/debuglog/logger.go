package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once    sync.Once
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar   *zap.SugaredLogger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("MESH_DEBUG") == "1"
}

func logger() *zap.SugaredLogger {
	once.Do(func() {
		if enabled() {
			level.SetLevel(zapcore.DebugLevel)
		}
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
		sugar = zap.New(core).Sugar()
	})
	return sugar
}

// SetDebug switches debug output on or off at runtime.
func SetDebug(on bool) {
	logger()
	if on {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

func Debugging() bool {
	logger()
	return level.Enabled(zapcore.DebugLevel)
}

// Named returns a child logger for structured key/value logging.
func Named(name string) *zap.SugaredLogger {
	return logger().Named(name)
}

func Logf(format string, args ...any) {
	logger().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	logger().Warnf(format, args...)
}

func Debugf(format string, args ...any) {
	logger().Debugf(format, args...)
}

// RateLimitedf logs at debug level at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || !Debugging() {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	logger().Debugf(format, args...)
}

func Sync() {
	_ = logger().Sync()
}
