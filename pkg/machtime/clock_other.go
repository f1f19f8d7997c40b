//go:build !linux && !darwin

package machtime

func rawTicks() uint64 {
	return fallbackTicks()
}

func queryTimebase() Timebase {
	return Timebase{Numer: 1, Denom: 1}
}
