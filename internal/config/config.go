package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-gate/internal/constants"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Faces       FacesConfig
	Remote      RemoteConfig
	FaceAPI     FaceAPIConfig
	Lock        LockConfig
	Display     DisplayConfig
	Timing      TimingConfig
	Status      StatusConfig
	Log         LogConfig
	CamerasFile string
	// DebugSnapshotPath receives the frame used for matching when set (bench debugging)
	DebugSnapshotPath string
}

type FacesConfig struct {
	Path      string // enrollment directory with new user images
	CacheFile string // JSON cache of encoded local users
	Watch     bool   // re-run ingestion when new images appear
}

type RemoteConfig struct {
	InitURL         string // bulk user fetch (empty disables remote sync)
	UpdateURL       string // incremental change fetch
	OpeningURL      string // opening event report (empty disables reports)
	SyncInterval    time.Duration
	HTTPTimeout     time.Duration
	ReportQueueSize int
}

type FaceAPIConfig struct {
	URL       string  // defaults to http://localhost:8000
	Tolerance float64 // max embedding distance for a match
}

type LockConfig struct {
	Driver  string // "log" or "http"
	URL     string // relay base URL for the http driver
	OpenFor time.Duration
}

type DisplayConfig struct {
	Driver string // "log" or "none"
}

// TimingConfig holds loop intervals and pauses, defaults come from defaults.yaml.
type TimingConfig struct {
	CaptureInterval   time.Duration `yaml:"capture_interval"`
	DecisionTick      time.Duration `yaml:"decision_tick"`
	LockOpen          time.Duration `yaml:"lock_open"`
	DenyPause         time.Duration `yaml:"deny_pause"`
	PostDecisionPause time.Duration `yaml:"post_decision_pause"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	EntryZoneFraction float64       `yaml:"entry_zone_fraction"`
	ReportQueueSize   int           `yaml:"report_queue_size"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
}

type StatusConfig struct {
	Addr           string   // listen address, empty disables the status server
	AllowedOrigins []string // extra CORS origins besides localhost
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Dir    string // optional directory for a per-run log file
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envSeconds reads an environment variable holding a positive number of seconds.
func envSeconds(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return defaultVal
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var items []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func loadDefaults() TimingConfig {
	var timing TimingConfig
	if err := yaml.Unmarshal(defaultsYAML, &timing); err != nil {
		// Embedded file, this only happens on a broken build
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return timing
}

func Load() *Config {
	timing := loadDefaults()

	facesPath := envString("AUTHORIZED_FACES_PATH", "faces")
	syncInterval := envSeconds("SYNC_INTERVAL_SECONDS", timing.SyncInterval)
	lockOpen := envSeconds("LOCK_OPEN_SECONDS", timing.LockOpen)
	timing.SyncInterval = syncInterval
	timing.LockOpen = lockOpen

	return &Config{
		Faces: FacesConfig{
			Path:      facesPath,
			CacheFile: envString("LOCAL_CACHE_FILE", filepath.Join(facesPath, constants.LocalCacheFileName)),
			Watch:     envBool("WATCH_ENROLLMENT"),
		},
		Remote: RemoteConfig{
			InitURL:         os.Getenv("SYNC_INIT_URL"),
			UpdateURL:       os.Getenv("SYNC_UPDATE_URL"),
			OpeningURL:      os.Getenv("OPENING_EVENT_URL"),
			SyncInterval:    syncInterval,
			HTTPTimeout:     timing.HTTPTimeout,
			ReportQueueSize: envInt("REPORT_QUEUE_SIZE", timing.ReportQueueSize),
		},
		FaceAPI: FaceAPIConfig{
			URL:       os.Getenv("FACE_API_URL"),
			Tolerance: envFloat("MATCH_TOLERANCE", constants.DefaultMatchTolerance),
		},
		Lock: LockConfig{
			Driver:  envString("LOCK_DRIVER", "log"),
			URL:     os.Getenv("LOCK_URL"),
			OpenFor: lockOpen,
		},
		Display: DisplayConfig{
			Driver: envString("DISPLAY_DRIVER", "log"),
		},
		Timing: timing,
		Status: StatusConfig{
			Addr:           os.Getenv("STATUS_ADDR"),
			AllowedOrigins: envList("STATUS_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
			Dir:    os.Getenv("LOG_DIR"),
		},
		CamerasFile:       envString("CAMERAS_FILE", "cameras.yaml"),
		DebugSnapshotPath: os.Getenv("DEBUG_SNAPSHOT_PATH"),
	}
}

// CameraConfig describes one camera watching an entry or exit point.
type CameraConfig struct {
	ID           string  `yaml:"id"`
	Source       string  `yaml:"source"`
	Direction    string  `yaml:"direction"` // entering or exiting
	DelaySeconds float64 `yaml:"delay_seconds"`
	ZoneFraction float64 `yaml:"zone_fraction"` // entering cameras only
}

// Delay returns the dwell delay as a duration.
func (c *CameraConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

type camerasFile struct {
	Cameras []CameraConfig `yaml:"cameras"`
}

// LoadCameras reads and validates the cameras file. Entering cameras without a
// zone fraction get defaultZone.
func LoadCameras(path string, defaultZone float64) ([]CameraConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading cameras file: %w", err)
	}
	return ParseCameras(data, defaultZone)
}

// ParseCameras decodes and validates camera definitions.
func ParseCameras(data []byte, defaultZone float64) ([]CameraConfig, error) {
	var file camerasFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing cameras file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Cameras))
	var errs []error
	for i := range file.Cameras {
		cam := &file.Cameras[i]
		cam.Direction = strings.ToLower(strings.TrimSpace(cam.Direction))
		if cam.ID == "" {
			cam.ID = strconv.Itoa(i)
		}
		if _, dup := seen[cam.ID]; dup {
			errs = append(errs, fmt.Errorf("camera %q: duplicate id", cam.ID))
		}
		seen[cam.ID] = struct{}{}

		if cam.Source == "" {
			errs = append(errs, fmt.Errorf("camera %q: source is required", cam.ID))
		}
		switch cam.Direction {
		case "entering", "exiting":
		case "":
			cam.Direction = "entering"
		default:
			errs = append(errs, fmt.Errorf("camera %q: unknown direction %q", cam.ID, cam.Direction))
		}
		if cam.DelaySeconds < 0 {
			errs = append(errs, fmt.Errorf("camera %q: delay_seconds must not be negative", cam.ID))
		}
		if cam.ZoneFraction == 0 {
			cam.ZoneFraction = defaultZone
		}
		if cam.ZoneFraction <= 0 || cam.ZoneFraction > 1 {
			errs = append(errs, fmt.Errorf("camera %q: zone_fraction must be in (0, 1]", cam.ID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return file.Cameras, nil
}
