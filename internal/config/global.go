package config

import "sync/atomic"

var cfg atomic.Value

// Init seeds the global config with defaults. Must be called once before
// Load is used; main does this at startup.
func Init() error {
	dcfg, err := defaultConfig()
	if err != nil {
		return err
	}
	cfg.Store(&dcfg)
	return nil
}

// Load returns the current config. Treat the returned value as read-only;
// mutate via Update or Swap instead of writing through the pointer.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and swaps it in
// atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with next.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
