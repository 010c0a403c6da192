package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
)

// 退出码：0 运行完成（可能有单元级失败），1 启动失败或存储不可用，130 被中断
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	err := Execute()
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupted)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitFailure)
	}
}
