package torrent

// Session-wide behavior (listen port, selection strategy, rate limits,
// choking timers, ...) lives in the single process-wide config.Config
// singleton (internal/config) rather than a per-torrent copy, since this
// client runs exactly one torrent per process.
