package cmn

import "fmt"

// Assert panics on a broken invariant. Reserved for conditions that
// indicate a programming error in this process, never for anything an
// external caller or executor can trigger (those get a BrokerError).
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

func Assertf(cond bool, format string, a ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, a...))
	}
}
