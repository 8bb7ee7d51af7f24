// Package config binds the environment surface consumed by the core
// into one immutable value passed through construction,
// instead of packages reading os.Getenv directly.
package config

import "time"

// HermeticMode controls what happens on a CommandSpecMismatch.
type HermeticMode int

const (
	HermeticOff HermeticMode = iota
	HermeticFailHard
	HermeticFallbackLocal
)

// CheckLevel controls how strictly a CompilerInfo mismatch is treated when
// not running in hermetic mode.
type CheckLevel int

const (
	CheckLevelNone CheckLevel = iota
	CheckLevelVersion
	CheckLevelChecksum
)

// EngineConfig is the full environment surface consumed by the core.
type EngineConfig struct {
	Fallback            bool          // may fall back to local on failure
	UseLocal            bool          // may launch a local compile at all
	VerifyOutput        bool          // run both sides, byte-compare
	Hermetic            HermeticMode  // CommandSpecMismatch policy
	CheckLevel          CheckLevel    // non-hermetic mismatch strictness
	LocalRunPreference  string        // earliest state name from which a running local process preempts remote
	DontKillSubprocess  bool          // on dual success, prefer local outputs, discard remote
	NewFileThreshold    time.Duration // files older than this are assumed server-present
	StoreLocalRunOutput bool          // upload .o after local-only run for link reuse
	MaxSubprocsPending  int           // cap for delaying local launches
	RampUp              int           // 0-100, % of tasks that attempt remote
	EnableGchHack       bool          // let precompile-header tasks race local/remote instead of forcing local-only

	MaxExecRetry   int // default 4
	MaxRenameRetry int // default 5

	ForceInterruptTimeout time.Duration // per-task hard timeout, default 900s
	OutputBufferBudget    int64         // bytes, process-wide in-memory output budget
}

// Default returns the documented defaults for every field in EngineConfig.
func Default() EngineConfig {
	return EngineConfig{
		Fallback:              true,
		UseLocal:              true,
		VerifyOutput:          false,
		Hermetic:              HermeticOff,
		CheckLevel:            CheckLevelVersion,
		LocalRunPreference:    "CALL_EXEC",
		DontKillSubprocess:    false,
		NewFileThreshold:      24 * time.Hour,
		StoreLocalRunOutput:   false,
		MaxSubprocsPending:    2,
		RampUp:                100,
		EnableGchHack:         false,
		MaxExecRetry:          4,
		MaxRenameRetry:        5,
		ForceInterruptTimeout: 900 * time.Second,
		OutputBufferBudget:    256 * 1024 * 1024,
	}
}
