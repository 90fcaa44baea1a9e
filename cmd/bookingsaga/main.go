// Command bookingsaga 运行预订取消与支付 Saga、迁移数据库并投递 outbox 事件
package main

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errSagaFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
