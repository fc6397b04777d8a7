package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"unsafe"
)

var buf [8192]byte

//go:noinline
func marker() int {
	return len(buf)
}

func main() {
	for i := range buf {
		buf[i] = byte(i)
	}
	fmt.Printf("buf %#x %d\n", uintptr(unsafe.Pointer(&buf[0])), len(buf))
	fmt.Printf("text %#x\n", reflect.ValueOf(marker).Pointer())
	fmt.Println("ready")

	// exit when the test closes our stdin
	io.Copy(io.Discard, os.Stdin)
	runtime.KeepAlive(&buf)
	os.Exit(marker() & 0)
}
