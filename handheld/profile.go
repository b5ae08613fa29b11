package handheld

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Preset names.
const (
	PresetFocused = "focused"
	PresetBroad   = "broad"
)

// DefaultTagPopulation is the expected tag count used by both presets.
const DefaultTagPopulation = 50

// DefaultPowerDBm is used until a power level has been stored.
const DefaultPowerDBm = 30

// FocusedPreset returns the single-session profile tuned for tag focus.
func FocusedPreset() ReadProfile {
	return ReadProfile{
		Name:          PresetFocused,
		TagPopulation: DefaultTagPopulation,
		QOverride:     true,
		QValue:        7,
		Session:       SessionS1,
		Target:        TargetA,
		Algorithm:     AlgorithmDynamicQ,
		LinkProfile:   LinkProfileRangeDRM,
		TagFocus:      true,
		Gain:          Gain{RFLNAHighComp: 0, RFLNA: 3, IFLNA: 0, IFAGC: 4},
	}
}

// BroadPreset returns the A/B toggling profile for sweeping large populations.
func BroadPreset() ReadProfile {
	p := FocusedPreset()
	p.Name = PresetBroad
	p.Session = SessionS0
	p.Target = TargetToggleAB
	p.TagFocus = false
	return p
}

// Preset returns the focused preset when focus is true, otherwise the broad one.
func Preset(focus bool) ReadProfile {
	if focus {
		return FocusedPreset()
	}
	return BroadPreset()
}

// Settings is a snapshot of the persisted reader configuration.
type Settings struct {
	Profile  ReadProfile  `json:"profile"`
	Filter   PrefixFilter `json:"filter"`
	PowerDBm int          `json:"powerDbm"`
	Mode     ReaderMode   `json:"mode"`
	Region   string       `json:"region"`
	Channel  string       `json:"channel"`
}

// ReaderConfig converts the settings into what is pushed to hardware.
func (s Settings) ReaderConfig() ReaderConfig {
	return ReaderConfig{
		Region:   s.Region,
		Channel:  s.Channel,
		Profile:  s.Profile,
		Filter:   s.Filter,
		PowerDBm: s.PowerDBm,
		Mode:     s.Mode,
	}
}

// ProfileManager owns the read profile, prefix filter, power, mode and
// region settings. Every change is written to the store immediately.
type ProfileManager struct {
	mu       sync.RWMutex
	store    KeyValueStore
	settings Settings
	log      zerolog.Logger
}

// NewProfileManager loads persisted settings from store, falling back to
// the focused preset for anything missing or unreadable.
func NewProfileManager(store KeyValueStore, logger zerolog.Logger) *ProfileManager {
	pm := &ProfileManager{
		store: store,
		settings: Settings{
			Profile:  FocusedPreset(),
			Filter:   PrefixFilter{Bank: BankEPC},
			PowerDBm: DefaultPowerDBm,
			Channel:  DefaultChannel,
		},
		log: logger.With().Str("component", "profile").Logger(),
	}
	pm.load()
	return pm
}

func (pm *ProfileManager) load() {
	if raw, ok := pm.get(KeyProfile); ok {
		var p ReadProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			pm.log.Warn().Err(err).Msg("Ignoring unreadable stored profile")
		} else {
			pm.settings.Profile = p
		}
	}
	if raw, ok := pm.get(KeyFilter); ok {
		var f PrefixFilter
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			pm.log.Warn().Err(err).Msg("Ignoring unreadable stored prefix filter")
		} else {
			pm.settings.Filter = f
		}
	}
	if raw, ok := pm.get(KeyPower); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			pm.settings.PowerDBm = n
		}
	}
	if raw, ok := pm.get(KeyRegion); ok {
		pm.settings.Region = raw
	}
	if raw, ok := pm.get(KeyChannel); ok {
		pm.settings.Channel = raw
	}
}

func (pm *ProfileManager) get(key string) (string, bool) {
	if pm.store == nil {
		return "", false
	}
	v, ok, err := pm.store.Get(key)
	if err != nil {
		pm.log.Warn().Err(err).Str("key", key).Msg("Store read failed")
		return "", false
	}
	return v, ok
}

func (pm *ProfileManager) set(key, value string) error {
	if pm.store == nil {
		return nil
	}
	if err := pm.store.Set(key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (pm *ProfileManager) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return pm.set(key, string(data))
}

// ApplyPreset selects the focused or broad preset, keeping the configured
// tag population, and persists it.
func (pm *ProfileManager) ApplyPreset(focus bool) (ReadProfile, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p := Preset(focus)
	if pm.settings.Profile.TagPopulation > 0 {
		p.TagPopulation = pm.settings.Profile.TagPopulation
	}
	pm.settings.Profile = p
	pm.log.Info().Str("preset", p.Name).Msg("Read profile applied")
	return p, pm.setJSON(KeyProfile, p)
}

// SetTagPopulation changes the expected tag population of the active profile.
func (pm *ProfileManager) SetTagPopulation(n int) (ReadProfile, error) {
	if n <= 0 {
		return ReadProfile{}, &HandheldError{Code: ErrCodeInvalidArgument, Op: OpApplyProfile, Message: "tag population must be positive"}
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.settings.Profile.TagPopulation = n
	return pm.settings.Profile, pm.setJSON(KeyProfile, pm.settings.Profile)
}

// SetPrefixFilter stores an EPC-bank prefix filter starting at offset 0.
// An empty prefix disables filtering.
func (pm *ProfileManager) SetPrefixFilter(prefix string) (PrefixFilter, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	f := PrefixFilter{Mask: prefix, Offset: 0, Bank: BankEPC, Enabled: prefix != ""}
	pm.settings.Filter = f
	return f, pm.setJSON(KeyFilter, f)
}

// SetPower accepts power in tenths of a dBm and stores whole dBm. The value
// is truncated, not rounded: 305 becomes 30.
func (pm *ProfileManager) SetPower(tenths int) (int, error) {
	if tenths < 0 {
		return 0, &HandheldError{Code: ErrCodeInvalidArgument, Op: OpSetPower, Message: "power must not be negative"}
	}
	dBm := tenths / 10

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.settings.PowerDBm = dBm
	return dBm, pm.set(KeyPower, strconv.Itoa(dBm))
}

// SetMode records the reader mode. The mode is not persisted.
func (pm *ProfileManager) SetMode(mode ReaderMode) {
	pm.mu.Lock()
	pm.settings.Mode = mode
	pm.mu.Unlock()
}

// ValidateRegion checks the stored region and channel against table. When
// the region is missing from the table (or the channel does not index it),
// both are reset to the first region and DefaultChannel and persisted. The
// reset is logged, not returned as an error.
func (pm *ProfileManager) ValidateRegion(table FrequencyTable) (region, channel string, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	region, channel = pm.settings.Region, pm.settings.Channel
	if table.Has(region) && table.ValidChannel(region, channel) {
		return region, channel, nil
	}

	first, ok := table.Default()
	if !ok {
		pm.log.Warn().Msg("Backend reported an empty frequency table, keeping stored region")
		return region, channel, nil
	}

	pm.log.Warn().
		Err(ErrRegionInvalid).
		Str("stored_region", region).
		Str("stored_channel", channel).
		Str("region", first).
		Msg("Stored region not available, reset to default")

	pm.settings.Region = first
	pm.settings.Channel = DefaultChannel
	if err := pm.set(KeyRegion, first); err != nil {
		return first, DefaultChannel, err
	}
	return first, DefaultChannel, pm.set(KeyChannel, DefaultChannel)
}

// SetRegion stores a region and channel after checking them against table.
func (pm *ProfileManager) SetRegion(table FrequencyTable, region, channel string) error {
	if !table.Has(region) || !table.ValidChannel(region, channel) {
		return &HandheldError{Code: ErrCodeRegionInvalid, Op: OpConfigure, Message: fmt.Sprintf("region %q channel %q not in frequency table", region, channel)}
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.settings.Region = region
	pm.settings.Channel = channel
	if err := pm.set(KeyRegion, region); err != nil {
		return err
	}
	return pm.set(KeyChannel, channel)
}

// Settings returns a snapshot of the current settings.
func (pm *ProfileManager) Settings() Settings {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.settings
}
