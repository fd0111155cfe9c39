package tracekit

import "math/bits"

// PageSize is the minimum sub-buffer size, in bytes.
const PageSize = 4096

// Default sub-buffer geometry tiers. Low-volume channels get small
// sub-buffers, high-volume channels get large ones.
const (
	defaultSubbufSizeLow  = 65536
	defaultSubbufCountLow = 2

	defaultSubbufSizeMed  = 262144
	defaultSubbufCountMed = 2

	defaultSubbufSizeHigh  = 1048576
	defaultSubbufCountHigh = 2
)

// MetadataChannel is the name of the channel carrying the self-describing
// records a reader needs to decode everything else. Its overwrite flag is
// always false: losing metadata makes the whole session unreadable.
const MetadataChannel = "metadata"

type channelPreset struct {
	name        string
	subbufSize  int
	subbufCount int
}

// channelPresets is the static table of registered channel identities and
// their default geometry. Order is significant: a session's settings array is
// indexed by position in this table, and the metadata channel is first.
var channelPresets = []channelPreset{
	{MetadataChannel, defaultSubbufSizeLow, defaultSubbufCountLow},
	{"fd_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"global_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"irq_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"module_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"netif_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"softirq_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"swap_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"syscall_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"task_state", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"vm_state", defaultSubbufSizeMed, defaultSubbufCountMed},
	{"fs", defaultSubbufSizeMed, defaultSubbufCountMed},
	{"input", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"ipc", defaultSubbufSizeLow, defaultSubbufCountLow},
	{"kernel", defaultSubbufSizeHigh, defaultSubbufCountHigh},
	{"mm", defaultSubbufSizeMed, defaultSubbufCountMed},
	{"rcu", defaultSubbufSizeMed, defaultSubbufCountMed},
}

// defaultPreset is the generic identity applied to unmatched or empty channel
// names.
var defaultPreset = channelPreset{"", defaultSubbufSizeMed, defaultSubbufCountMed}

// Channels returns the registered channel names, in table order.
func Channels() []string {
	names := make([]string, len(channelPresets))
	for i, p := range channelPresets {
		names[i] = p.name
	}
	return names
}

// NumChannels returns the number of registered channels.
func NumChannels() int { return len(channelPresets) }

// Classify maps a channel name to its preset, falling back to the generic
// default when the name is empty or unmatched. Matching is exact and
// case-sensitive.
func Classify(name string) (subbufSize, subbufCount int) {
	if name == "" {
		return defaultPreset.subbufSize, defaultPreset.subbufCount
	}
	for _, p := range channelPresets {
		if p.name == name {
			return p.subbufSize, p.subbufCount
		}
	}
	return defaultPreset.subbufSize, defaultPreset.subbufCount
}

// channelIndex returns the position of the named channel in the preset table,
// or -1 if the name is not registered.
func channelIndex(name string) int {
	for i, p := range channelPresets {
		if p.name == name {
			return i
		}
	}
	return -1
}

// Normalize rounds a requested sub-buffer geometry up to legal values: size
// at least one page and a power of two, count a power of two. Advisory at
// configuration time, authoritative at allocation time (though the buffer
// engine may adjust further, and its reported values are what a session
// retains).
func Normalize(subbufSize, subbufCount int) (int, int) {
	if subbufSize < PageSize {
		subbufSize = PageSize
	}
	return nextPow2(subbufSize), nextPow2(subbufCount)
}

// nextPow2 rounds n up to the next power of two. Values below one round to
// one.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
