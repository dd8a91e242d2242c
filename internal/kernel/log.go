package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

func envField(id EnvID) zap.Field { return zap.Stringer("env", id) }

func reasonField(r ExitReason) zap.Field { return zap.String("reason", string(r)) }

func errField(err error) zap.Field { return zap.Error(err) }

func vaField(va uintptr) zap.Field { return zap.String("va", fmt.Sprintf("%08x", va)) }
