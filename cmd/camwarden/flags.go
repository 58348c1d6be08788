package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type StartFlags struct {
	Foreground bool
	Wait       time.Duration
}

type StopFlags struct {
	Timeout time.Duration
}

type StatusFlags struct {
	Output     string
	APIUrl     string
	APITimeout time.Duration
}

type CaptureFlags struct {
	Camera string
	Until  string
}

type DiskCheckFlags struct {
	Cleanup    bool
	DryRun     bool
	MinFreeGB  float64
	MinFreeSet bool
	Output     string
}

type DiskCleanupFlags struct {
	TargetGB  float64
	TargetSet bool
	DryRun    bool
}

type UploadFlags struct {
	Output     string
	APIUrl     string
	APITimeout time.Duration
	Local      bool
	Days       int
}
