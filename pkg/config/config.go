package config

import (
	"time"
)

// Config is the complete configuration for the tbcv engine. Values merge in
// precedence order: built-in defaults, then YAML files (root file plus one
// file per validator), then TBCV_-prefixed environment variables.
type Config struct {
	Runtime     RuntimeConfig     `koanf:"runtime"     validate:"required"`
	Database    DatabaseConfig    `koanf:"database"    validate:"required"`
	Cache       CacheConfig       `koanf:"cache"`
	Truth       TruthConfig       `koanf:"truth"`
	Fuzzy       FuzzyConfig       `koanf:"fuzzy"`
	Semantic    SemanticConfig    `koanf:"semantic"`
	Validators  ValidatorsConfig  `koanf:"validators"`
	Recommend   RecommendConfig   `koanf:"recommend"`
	Enhance     EnhanceConfig     `koanf:"enhance"`
	Concurrency ConcurrencyConfig `koanf:"concurrency"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
	Timeouts    TimeoutConfig     `koanf:"timeouts"`
	Boundary    BoundaryConfig    `koanf:"boundary"`
}

// RuntimeConfig holds process-wide behavior settings.
type RuntimeConfig struct {
	Environment     string `koanf:"environment"      validate:"oneof=development staging production"`
	LogLevel        string `koanf:"log_level"        validate:"oneof=debug info warn error"`
	LogJSON         bool   `koanf:"log_json"`
	ContentRoot     string `koanf:"content_root"`
	MaintenanceMode bool   `koanf:"maintenance_mode"`
	MetricsEnabled  bool   `koanf:"metrics_enabled"`
}

// DatabaseConfig selects and configures the relational store. The sqlite
// driver is the single-node default; postgres is the optional shared store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"            validate:"oneof=sqlite postgres"`
	Path            string        `koanf:"path"`
	ConnString      string        `koanf:"conn_string"`
	MaxOpenConns    int           `koanf:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns"    validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	BusyTimeout     time.Duration `koanf:"busy_timeout"`
	RetryAttempts   int           `koanf:"retry_attempts"    validate:"min=0,max=10"`
	RetryBaseDelay  time.Duration `koanf:"retry_base_delay"`
}

// CacheConfig sizes the two cache tiers.
type CacheConfig struct {
	L1MaxEntries         int           `koanf:"l1_max_entries"        validate:"min=1"`
	L1MaxBytes           int64         `koanf:"l1_max_bytes"          validate:"min=1024"`
	L2Enabled            bool          `koanf:"l2_enabled"`
	CompressionThreshold int           `koanf:"compression_threshold" validate:"min=0"`
	DefaultTTL           time.Duration `koanf:"default_ttl"`
	CleanupInterval      time.Duration `koanf:"cleanup_interval"`
}

// TruthConfig locates and schedules truth manifest loading.
type TruthConfig struct {
	ManifestDir string        `koanf:"manifest_dir"`
	CacheTTL    time.Duration `koanf:"cache_ttl"`
	Watch       bool          `koanf:"watch"`
}

// FuzzyConfig tunes the fuzzy detector.
type FuzzyConfig struct {
	SimilarityThreshold float64 `koanf:"similarity_threshold" validate:"min=0,max=1"`
	MaxCandidateLength  int     `koanf:"max_candidate_length" validate:"min=1"`
}

// SemanticConfig governs the optional external semantic phase of the truth
// validator. The LLM service itself is an external collaborator.
type SemanticConfig struct {
	Enabled            bool    `koanf:"enabled"`
	ConfirmThreshold   float64 `koanf:"confirm_threshold"   validate:"min=0,max=1"`
	DowngradeThreshold float64 `koanf:"downgrade_threshold" validate:"min=0,max=1"`
	UpgradeThreshold   float64 `koanf:"upgrade_threshold"   validate:"min=0,max=1"`
}

// ValidatorsConfig carries one section per leaf validator plus the named
// validation profiles.
type ValidatorsConfig struct {
	Profiles  map[string][]string   `koanf:"profiles"`
	YAML      YAMLValidatorConfig   `koanf:"yaml"`
	Markdown  MarkdownConfig        `koanf:"markdown"`
	Code      CodeValidatorConfig   `koanf:"code"`
	Links     LinksValidatorConfig  `koanf:"links"`
	Structure StructureConfig       `koanf:"structure"`
	SEO       SEOValidatorConfig    `koanf:"seo"`
	Truth     TruthValidatorConfig  `koanf:"truth"`
}

// ValidatorCommon is embedded by every validator section.
type ValidatorCommon struct {
	Enabled       bool   `koanf:"enabled"`
	Tier          int    `koanf:"tier"           validate:"min=0,max=3"`
	SeverityFloor string `koanf:"severity_floor"`
}

type YAMLValidatorConfig struct {
	ValidatorCommon `koanf:",squash,flatten"`
	RequiredFields  []string          `koanf:"required_fields"`
	FieldTypes      map[string]string `koanf:"field_types"`
	AllowUnknown    bool              `koanf:"allow_unknown"`
}

type MarkdownConfig struct {
	ValidatorCommon    `koanf:",squash,flatten"`
	MaxHeadingDepth    int  `koanf:"max_heading_depth"    validate:"min=1,max=6"`
	ReportDuplicates   bool `koanf:"report_duplicates"`
	CheckListMarkers   bool `koanf:"check_list_markers"`
	CheckEmphasis      bool `koanf:"check_emphasis"`
	AllowSkippedLevels bool `koanf:"allow_skipped_levels"`
}

type CodeValidatorConfig struct {
	ValidatorCommon  `koanf:",squash,flatten"`
	KnownLanguages   []string `koanf:"known_languages"`
	DetectLanguage   bool     `koanf:"detect_language"`
	CredentialScan   bool     `koanf:"credential_scan"`
}

type LinksValidatorConfig struct {
	ValidatorCommon `koanf:",squash,flatten"`
	CheckExternal   bool          `koanf:"check_external"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	MaxRetries      int           `koanf:"max_retries"     validate:"min=0,max=5"`
	MaxConcurrent   int           `koanf:"max_concurrent"  validate:"min=1"`
	PreferHTTPS     bool          `koanf:"prefer_https"`
}

type StructureConfig struct {
	ValidatorCommon  `koanf:",squash,flatten"`
	RequiredSections []string `koanf:"required_sections"`
	SectionOrder     []string `koanf:"section_order"`
	TOCWordThreshold int      `koanf:"toc_word_threshold" validate:"min=0"`
}

type SEOValidatorConfig struct {
	ValidatorCommon `koanf:",squash,flatten"`
	TitleMin        int `koanf:"title_min"        validate:"min=0"`
	TitleMax        int `koanf:"title_max"        validate:"min=0"`
	DescriptionMin  int `koanf:"description_min"  validate:"min=0"`
	DescriptionMax  int `koanf:"description_max"  validate:"min=0"`
	HeadingMax      int `koanf:"heading_max"      validate:"min=0"`
}

type TruthValidatorConfig struct {
	ValidatorCommon `koanf:",squash,flatten"`
}

// RecommendConfig tunes recommendation generation.
type RecommendConfig struct {
	RewriteRatioCeiling float64 `koanf:"rewrite_ratio_ceiling" validate:"min=0,max=1"`
	MinConfidence       float64 `koanf:"min_confidence"        validate:"min=0,max=1"`
}

// EnhanceConfig tunes the safety-gated enhancer.
type EnhanceConfig struct {
	MaxRewriteRatio float64  `koanf:"max_rewrite_ratio" validate:"min=0,max=1"`
	BlockedTopics   []string `koanf:"blocked_topics"`
	BackupDir       string   `koanf:"backup_dir"`
}

// ConcurrencyConfig sizes the per-agent-class semaphores and the global
// workflow cap.
type ConcurrencyConfig struct {
	MaxConcurrentWorkflows int `koanf:"max_concurrent_workflows" validate:"min=1"`
	SemanticLLM            int `koanf:"semantic_llm"             validate:"min=1"`
	ContentValidator       int `koanf:"content_validator"        validate:"min=1"`
	Fuzzy                  int `koanf:"fuzzy"                    validate:"min=1"`
	TruthIndex             int `koanf:"truth_index"              validate:"min=1"`
}

// WorkflowConfig tunes orchestrator step execution.
type WorkflowConfig struct {
	// StepRetries is the retry budget applied when a step fails with a
	// transient error.
	StepRetries    int           `koanf:"step_retries"     validate:"min=0,max=10"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	// DefaultWorkers bounds the folder fan-out when the request does not set
	// a worker count.
	DefaultWorkers int `koanf:"default_workers"  validate:"min=1"`
}

// TimeoutConfig bounds steps, files and batches.
type TimeoutConfig struct {
	Step  time.Duration `koanf:"step"`
	File  time.Duration `koanf:"file"`
	Batch time.Duration `koanf:"batch"`
	Link  time.Duration `koanf:"link"`
}

// BoundaryConfig controls the access guard on the dispatcher.
type BoundaryConfig struct {
	Mode      string   `koanf:"mode"      validate:"oneof=warn block off"`
	AllowList []string `koanf:"allow_list"`
	RetryMax  int      `koanf:"retry_max" validate:"min=0,max=10"`
}
