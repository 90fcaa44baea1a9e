package cache_test

import (
	"fmt"
	"time"

	"bookingsaga/cache"
)

// 按幂等键缓存首次响应，重复请求直接回放
func ExampleCache_SetIfAbsent() {
	responses := cache.New[string, string](cache.Config{
		Name:    "responses",
		MaxSize: 1000,
		TTL:     24 * time.Hour,
	})

	first, stored := responses.SetIfAbsent("payment:bk1:authorize", "ch_1")
	fmt.Println(first, stored)

	replay, stored := responses.SetIfAbsent("payment:bk1:authorize", "ch_2")
	fmt.Println(replay, stored)
	// Output:
	// ch_1 true
	// ch_1 false
}
