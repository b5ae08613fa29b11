package csl

import (
	"math"
	"strings"

	"github.com/dotside-studios/handheld-agent/handheld"
)

// Reader models told apart by the Bluetooth firmware version.
const (
	ModelCS108 = "CS108"
	ModelCS463 = "CS463"
)

// freqModFCCOnly in OEM 0x8f locks a country-2 reader to the FCC band.
const freqModFCCOnly = 0xAA

// OEMInfo holds the OEM registers that decide which regions a reader may use.
type OEMInfo struct {
	CountryCode           uint32
	SpecialCountryVersion uint32
	FreqModFlag           uint32
	ModelCode             uint32
	FixedFrequency        uint32
}

// Fixed reports whether the reader is locked to a single channel instead of
// hopping across the region's band.
func (o OEMInfo) Fixed() bool {
	return o.FixedFrequency != 0
}

type band struct {
	start float64
	step  float64
	count int
}

func (b band) channels() []float64 {
	out := make([]float64, b.count)
	for i := range out {
		// rounded to kHz so tables compare cleanly
		out[i] = math.Round((b.start+float64(i)*b.step)*1000) / 1000
	}
	return out
}

var bands = map[string]band{
	"FCC":           {902.75, 0.5, 50},
	"AU":            {920.25, 0.5, 10},
	"BR1":           {915.75, 0.5, 24},
	"BR2":           {902.75, 0.5, 9},
	"CN":            {920.625, 0.25, 16},
	"ETSI":          {865.7, 0.6, 4},
	"ETSIUPPERBAND": {916.3, 1.2, 3},
	"G800":          {866.3, 0.6, 3},
	"HK":            {920.75, 0.5, 8},
	"ID":            {923.25, 0.5, 4},
	"IN":            {865.7, 0.6, 3},
	"JP":            {916.8, 1.2, 4},
	"KR":            {917.3, 0.6, 6},
	"MY":            {919.75, 0.5, 8},
	"NZ":            {922.25, 0.5, 10},
	"SG":            {920.75, 0.5, 8},
	"TH":            {920.25, 0.5, 10},
	"TW":            {922.25, 0.5, 12},
	"ZA":            {915.7, 0.2, 17},
}

var countryRegions = map[uint32][]string{
	1: {"ETSI", "IN", "G800"},
	2: {"FCC", "AU", "BR1", "BR2", "HK", "TH", "SG", "ZA", "MY", "NZ"},
	4: {"AU", "MY", "HK", "SG", "TW", "ID", "CN"},
	6: {"KR"},
	7: {"AU", "HK", "TH", "SG", "CN"},
	8: {"JP"},
	9: {"ETSIUPPERBAND"},
}

// FrequencyTableFor builds the region table a reader with the given OEM
// registers is allowed to use. Unknown country codes yield an empty table.
func FrequencyTableFor(oem OEMInfo) handheld.FrequencyTable {
	regions := countryRegions[oem.CountryCode]
	if oem.CountryCode == 2 && oem.FreqModFlag == freqModFCCOnly {
		regions = []string{"FCC"}
	}

	table := handheld.FrequencyTable{
		Regions:  make([]string, 0, len(regions)),
		Channels: make(map[string][]float64, len(regions)),
	}
	for _, r := range regions {
		table.Regions = append(table.Regions, r)
		table.Channels[r] = bands[r].channels()
	}
	return table
}

// ModelFor derives the reader model from its Bluetooth firmware version.
func ModelFor(btFirmware string) string {
	if len(btFirmware) >= 5 && strings.HasPrefix(btFirmware, "3") {
		return ModelCS463
	}
	return ModelCS108
}
