package host

import (
	"time"

	"github.com/shellhost/shellhost/infrastructure/config"
)

// HostSchema is the built-in host-level configuration schema, bound from
// the Shell section and validated before any module loads.
type HostSchema struct {
	Environment string

	HTTP struct {
		Port           int
		Host           string
		RequestTimeout time.Duration
		MaxBodyBytes   int
		RateLimitRPS   int
		RateLimitBurst int
		CORSOrigins    []string
	}

	Auth struct {
		Enabled  bool
		Secret   string
		Issuer   string
		Audience string
	}

	Cache struct {
		Backend   string // memory | redis
		RedisAddr string
		RedisDB   int
		TTL       time.Duration
	}

	Bus struct {
		Backend   string // memory | redis
		RedisAddr string
		RedisDB   int
	}

	Database struct {
		DSN            string
		MaxOpenConns   int
		MaxIdleConns   int
		MigrationsPath string
	}

	Loader struct {
		Directories []string
		Artifacts   []string
		SkipInvalid bool
	}

	Lifecycle struct {
		StopTimeout        time.Duration
		PhaseTimeout       time.Duration
		FanOut             int
		StartFailurePolicy string
		CascadingReload    bool
	}

	Health struct {
		RequiredModules     []string
		DegradedBlocksReady bool
	}

	Logging struct {
		Level  string
		Format string
	}
}

// Load implements config.Schema.
func (h *HostSchema) Load(section *config.Section) error {
	h.Environment = section.GetString("Environment", "production")

	httpSection := section.Section("Http")
	h.HTTP.Port = httpSection.GetInt("Port", 8080)
	h.HTTP.Host = httpSection.GetString("Host", "0.0.0.0")
	h.HTTP.RequestTimeout = httpSection.GetDuration("RequestTimeout", 30*time.Second)
	h.HTTP.MaxBodyBytes = httpSection.GetInt("MaxBodyBytes", 0)
	h.HTTP.RateLimitRPS = httpSection.GetInt("RateLimitRPS", 100)
	h.HTTP.RateLimitBurst = httpSection.GetInt("RateLimitBurst", 200)
	h.HTTP.CORSOrigins = httpSection.GetStringSlice("CORSOrigins", nil)

	authSection := section.Section("Auth")
	h.Auth.Enabled = authSection.GetBool("Enabled", false)
	h.Auth.Secret = authSection.GetString("Secret", "")
	h.Auth.Issuer = authSection.GetString("Issuer", "")
	h.Auth.Audience = authSection.GetString("Audience", "")

	cacheSection := section.Section("Cache")
	h.Cache.Backend = cacheSection.GetString("Backend", "memory")
	h.Cache.RedisAddr = cacheSection.GetString("RedisAddr", "localhost:6379")
	h.Cache.RedisDB = cacheSection.GetInt("RedisDB", 0)
	h.Cache.TTL = cacheSection.GetDuration("TTL", 5*time.Minute)

	busSection := section.Section("Bus")
	h.Bus.Backend = busSection.GetString("Backend", "memory")
	h.Bus.RedisAddr = busSection.GetString("RedisAddr", "localhost:6379")
	h.Bus.RedisDB = busSection.GetInt("RedisDB", 1)

	dbSection := section.Section("Database")
	h.Database.DSN = dbSection.GetString("DSN", "")
	h.Database.MaxOpenConns = dbSection.GetInt("MaxOpenConns", 25)
	h.Database.MaxIdleConns = dbSection.GetInt("MaxIdleConns", 5)
	h.Database.MigrationsPath = dbSection.GetString("MigrationsPath", "")

	loaderSection := section.Section("Loader")
	h.Loader.Directories = loaderSection.GetStringSlice("Directories", []string{"modules"})
	h.Loader.Artifacts = loaderSection.GetStringSlice("Artifacts", nil)
	h.Loader.SkipInvalid = loaderSection.GetBool("SkipInvalid", false)

	lifecycleSection := section.Section("Lifecycle")
	h.Lifecycle.StopTimeout = lifecycleSection.GetDuration("StopTimeout", 30*time.Second)
	h.Lifecycle.PhaseTimeout = lifecycleSection.GetDuration("PhaseTimeout", 60*time.Second)
	h.Lifecycle.FanOut = lifecycleSection.GetInt("FanOut", 4)
	h.Lifecycle.StartFailurePolicy = lifecycleSection.GetString("StartFailurePolicy", "abort_host")
	h.Lifecycle.CascadingReload = lifecycleSection.GetBool("CascadingReload", false)

	healthSection := section.Section("Health")
	h.Health.RequiredModules = healthSection.GetStringSlice("RequiredModules", nil)
	h.Health.DegradedBlocksReady = healthSection.GetBool("DegradedBlocksReady", false)

	loggingSection := section.Section("Logging")
	h.Logging.Level = loggingSection.GetString("Level", "info")
	h.Logging.Format = loggingSection.GetString("Format", "json")

	return nil
}

// Rules implements config.Validatable.
func (h *HostSchema) Rules() []config.Rule {
	return []config.Rule{
		config.IntRange("Http:Port", 1, 65535),
		config.Duration("Http:RequestTimeout"),
		config.IntRange("Http:RateLimitRPS", 1, 1000000),
		config.OneOf("Cache:Backend", "memory", "redis"),
		config.OneOf("Bus:Backend", "memory", "redis"),
		config.OneOf("Lifecycle:StartFailurePolicy", "abort_host", "continue_without_module"),
		config.Duration("Lifecycle:StopTimeout"),
		config.Bool("Auth:Enabled"),
		config.OneOf("Logging:Format", "json", "text"),
	}
}

// ValidateExtra implements config.CrossValidator: auth needs a secret when
// enabled, and redis backends need an address.
func (h *HostSchema) ValidateExtra(section *config.Section) []config.Issue {
	var issues []config.Issue
	if section.GetBool("Auth:Enabled", false) {
		if secret := section.GetString("Auth:Secret", ""); secret == "" {
			issues = append(issues, config.Issue{
				Key:     section.Key("Auth:Secret"),
				Message: "required when Auth:Enabled is true",
			})
		}
	}
	for _, backend := range []string{"Cache", "Bus"} {
		if section.GetString(backend+":Backend", "memory") == "redis" {
			if section.GetString(backend+":RedisAddr", "") == "" {
				issues = append(issues, config.Issue{
					Key:     section.Key(backend + ":RedisAddr"),
					Message: "required when " + backend + ":Backend is redis",
				})
			}
		}
	}
	return issues
}
