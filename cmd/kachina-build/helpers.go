package main

import "github.com/dustin/go-humanize"

func humanSize(n int64) string {
	return humanize.Bytes(uint64(n))
}
