package cuda

import "github.com/samcharles93/spikegen/internal/logger"

// ArchProfile holds the allocation granularities of one GPU generation.
type ArchProfile struct {
	SharedMemAllocGranularity int
	WarpAllocGranularity      int
	RegisterAllocGranularity  int
	MaxBlocksPerSM            int
}

type archEntry struct {
	profile ArchProfile
	refine  func(p *ArchProfile, minor int)
}

const newestKnownMajor = 7

var archTable = map[int]archEntry{
	1: {
		profile: ArchProfile{SharedMemAllocGranularity: 512, WarpAllocGranularity: 2, RegisterAllocGranularity: 256, MaxBlocksPerSM: 8},
		refine: func(p *ArchProfile, minor int) {
			if minor >= 2 {
				p.RegisterAllocGranularity = 512
			}
		},
	},
	2: {profile: ArchProfile{SharedMemAllocGranularity: 128, WarpAllocGranularity: 2, RegisterAllocGranularity: 64, MaxBlocksPerSM: 8}},
	3: {profile: ArchProfile{SharedMemAllocGranularity: 256, WarpAllocGranularity: 4, RegisterAllocGranularity: 256, MaxBlocksPerSM: 16}},
	5: {profile: ArchProfile{SharedMemAllocGranularity: 256, WarpAllocGranularity: 4, RegisterAllocGranularity: 256, MaxBlocksPerSM: 32}},
	6: {
		profile: ArchProfile{SharedMemAllocGranularity: 256, WarpAllocGranularity: 4, RegisterAllocGranularity: 256, MaxBlocksPerSM: 32},
		refine: func(p *ArchProfile, minor int) {
			if minor == 0 {
				p.WarpAllocGranularity = 2
			}
		},
	},
	7: {profile: ArchProfile{SharedMemAllocGranularity: 256, WarpAllocGranularity: 4, RegisterAllocGranularity: 256, MaxBlocksPerSM: 32}},
}

// LookupArch returns the profile for compute capability major.minor.
// Unknown generations use the newest known profile; generations newer than
// it are logged as a warning.
func LookupArch(major, minor int, log logger.Logger) ArchProfile {
	entry, ok := archTable[major]
	if !ok {
		if major > newestKnownMajor && log != nil {
			log.Warn("unsupported cuda device major version, falling back to newest known profile",
				"major", major, "minor", minor, "fallback_major", newestKnownMajor)
		}
		entry = archTable[newestKnownMajor]
	}
	p := entry.profile
	if entry.refine != nil {
		entry.refine(&p, minor)
	}
	return p
}
