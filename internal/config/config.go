package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults matching the
// product's operating assumptions, so the binary runs locally without setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// External routing provider (OSRM-compatible). Empty disables it and the
	// optimizer always uses the internal heuristic.
	RoutingEndpoint string

	JWTSecret string

	Matching MatchingConfig
	Routing  RoutingConfig
	Tracking TrackingConfig

	LogLevel      string
	RunMigrations bool
}

// MatchingConfig tunes candidate search and scoring.
type MatchingConfig struct {
	SearchRadiusKm    float64 // default candidate search radius
	MaxSearchRadiusKm float64 // hard cap for extended-radius retries
	ConcurrentJobCap  int     // max open assignments per courier
	MinRating         float64 // eligibility floor
	CandidateLimit    int     // max candidates pulled from the geo index
}

// RoutingConfig tunes the route optimizer.
type RoutingConfig struct {
	AvgSpeedKmh        float64
	PickupServiceMin   float64
	DropServiceMin     float64
	FuelCostPerKm      float64
	CacheTTL           time.Duration
	ProviderMaxStops   int // waypoint count above which the provider is skipped
	TrafficLightFactor float64
	TrafficModFactor   float64
	TrafficHeavyFactor float64
}

// TrackingConfig tunes ping validation and room lifecycle.
type TrackingConfig struct {
	MinPingInterval  time.Duration
	MaxSpeedKmh      float64
	AccuracyWarningM float64
	Retention        time.Duration
	RoomInactivity   time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "couriers_geo",
		KafkaTopic:      "courier-pings",
		Matching: MatchingConfig{
			SearchRadiusKm:    25,
			MaxSearchRadiusKm: 50,
			ConcurrentJobCap:  5,
			MinRating:         2.0,
			CandidateLimit:    50,
		},
		Routing: RoutingConfig{
			AvgSpeedKmh:        40,
			PickupServiceMin:   5,
			DropServiceMin:     10,
			FuelCostPerKm:      0.15,
			CacheTTL:           30 * time.Minute,
			ProviderMaxStops:   10,
			TrafficLightFactor: 1.0,
			TrafficModFactor:   1.3,
			TrafficHeavyFactor: 1.8,
		},
		Tracking: TrackingConfig{
			MinPingInterval:  10 * time.Second,
			MaxSpeedKmh:      120,
			AccuracyWarningM: 100,
			Retention:        72 * time.Hour,
			RoomInactivity:   30 * time.Minute,
		},
		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RoutingEndpoint = strings.TrimSpace(os.Getenv("ROUTING_ENDPOINT"))
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setFloatFromEnv(&cfg.Matching.SearchRadiusKm, "MATCH_SEARCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Matching.MaxSearchRadiusKm, "MATCH_MAX_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Matching.ConcurrentJobCap, "MATCH_JOB_CAP", &errs)
	setFloatFromEnv(&cfg.Matching.MinRating, "MATCH_MIN_RATING", &errs)
	setIntFromEnv(&cfg.Matching.CandidateLimit, "MATCH_CANDIDATE_LIMIT", &errs)

	setFloatFromEnv(&cfg.Routing.AvgSpeedKmh, "ROUTE_AVG_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.Routing.FuelCostPerKm, "ROUTE_FUEL_COST_PER_KM", &errs)
	setDurationFromEnv(&cfg.Routing.CacheTTL, "ROUTE_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.Routing.ProviderMaxStops, "ROUTE_PROVIDER_MAX_STOPS", &errs)

	setDurationFromEnv(&cfg.Tracking.MinPingInterval, "TRACKING_MIN_PING_INTERVAL", &errs)
	setFloatFromEnv(&cfg.Tracking.MaxSpeedKmh, "TRACKING_MAX_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.Tracking.AccuracyWarningM, "TRACKING_ACCURACY_WARNING_M", &errs)
	setDurationFromEnv(&cfg.Tracking.Retention, "TRACKING_RETENTION", &errs)
	setDurationFromEnv(&cfg.Tracking.RoomInactivity, "TRACKING_ROOM_INACTIVITY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Matching.ConcurrentJobCap <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_JOB_CAP must be > 0"))
	}
	if cfg.Matching.MaxSearchRadiusKm < cfg.Matching.SearchRadiusKm {
		errs = append(errs, fmt.Errorf("MATCH_MAX_SEARCH_RADIUS_KM must be >= MATCH_SEARCH_RADIUS_KM"))
	}
	if cfg.Tracking.MinPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_MIN_PING_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
