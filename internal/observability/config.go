package observability

// Config captures opt-in observability toggles that wire into the debug
// HTTP surface.
type Config struct {
	HTTPAddr      string `toml:"http_addr" env:"TABLETOP_HTTP_ADDR"`
	EnablePprof   bool   `toml:"enable_pprof" env:"ENABLE_PPROF"`
	EnableMetrics bool   `toml:"enable_metrics" env:"ENABLE_METRICS"`
}

// DefaultConfig serves diagnostics and metrics on localhost only.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:      "127.0.0.1:8080",
		EnableMetrics: true,
	}
}
