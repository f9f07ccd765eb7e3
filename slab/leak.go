package slab

import (
	"fmt"
	"time"
)

type LeakCallback func(*Buffer)

func NotifyOnLeak(leak chan<- *Buffer) LeakCallback {
	return func(b *Buffer) {
		select {
		case leak <- b:
		case <-time.After(5 * time.Second):
			panic("Nobody is listening for leak notification")
		}
	}
}

var PanicOnLeak LeakCallback = func(b *Buffer) {
	panic(fmt.Sprintf("slab.Buffer leaked: %#v.", b))
}
var WarnOnLeak LeakCallback = func(b *Buffer) {
	println("WARN: slab.Buffer leaked.")
}

func checkLeakFinalizer(cb LeakCallback) func(*Buffer) {
	return func(b *Buffer) {
		if !b.isFreed() {
			cb(b)
		}
	}
}
