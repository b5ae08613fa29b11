package handheld

import "strconv"

// DefaultChannel is the channel a reset region falls back to.
const DefaultChannel = "0"

// FrequencyTable maps regulatory regions to the RF channels a reader may use.
// Regions keeps the backend's ordering; the first entry is the default.
type FrequencyTable struct {
	Regions  []string
	Channels map[string][]float64 // MHz
}

// Has reports whether region is a row of the table.
func (t FrequencyTable) Has(region string) bool {
	if region == "" {
		return false
	}
	for _, r := range t.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// Default returns the first region of the table.
func (t FrequencyTable) Default() (string, bool) {
	if len(t.Regions) == 0 {
		return "", false
	}
	return t.Regions[0], true
}

// ValidChannel reports whether channel is an index into the region's channel
// list. Regions without a channel list accept only DefaultChannel.
func (t FrequencyTable) ValidChannel(region, channel string) bool {
	idx, err := strconv.Atoi(channel)
	if err != nil || idx < 0 {
		return false
	}
	channels := t.Channels[region]
	if len(channels) == 0 {
		return idx == 0
	}
	return idx < len(channels)
}
