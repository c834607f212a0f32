//go:build iotcore_debug

package queue

const debugAssertions = true

func assert(cond bool, msg string) {
	if !cond {
		panic("queue: assertion failed: " + msg)
	}
}
