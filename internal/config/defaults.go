package config

// Constants carried over from the original tswrite.c defaults.
const (
	TSPacketSize = 188

	DefaultTSInItem = 7  // 7*188 = 1316 bytes, fits one Ethernet MTU
	DefaultRingSize = 8  // N items; effective capacity N-1
	DefaultPrimeSize = 10
	DefaultByteRate  = 250000 // bytes/sec, used until a real rate is known

	DefaultParentWaitMS = 50
	DefaultChildWaitMS  = 10

	ParentGiveUpAfter = 1000 // polls of a full ring before the producer gives up
	ChildGiveUpAfter  = -1   // consumer never gives up on an empty ring (spec open question)

	ReportEvery = 10000 // progress log cadence, packets

	DefaultMaxNoWait  = -1 // disabled
	DefaultWaitForUS  = 0
	DefaultPrimeSpeedupPct = 100
	DefaultPCRScalePct     = 100

	// -hd preset
	HDBitrate   = 20_000_000 // bits/sec
	HDMaxNoWait = 40
	HDParentWaitMS = 4
	HDChildWaitMS  = 1

	// NoWaitResetWindowUS is the boundary the pacer uses to tell a small,
	// swallowable lag apart from a real fall-behind that needs re-anchoring.
	NoWaitResetWindowUS = -200_000
)
