//go:build !linux

package main

import "os"

func setWatchdogTimeout(*os.File, int) (int, error) { return 0, errUnsupportedPlatform }
