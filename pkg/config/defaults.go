package config

import "time"

// Default returns the built-in configuration. Every loader invocation starts
// from this value before file and environment overrides apply.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Environment:    "development",
			LogLevel:       "info",
			LogJSON:        false,
			ContentRoot:    ".",
			MetricsEnabled: true,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "tbcv.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			BusyTimeout:     5 * time.Second,
			RetryAttempts:   3,
			RetryBaseDelay:  100 * time.Millisecond,
		},
		Cache: CacheConfig{
			L1MaxEntries:         2048,
			L1MaxBytes:           64 << 20,
			L2Enabled:            true,
			CompressionThreshold: 4096,
			DefaultTTL:           24 * time.Hour,
			CleanupInterval:      time.Hour,
		},
		Truth: TruthConfig{
			ManifestDir: "truth",
			CacheTTL:    7 * 24 * time.Hour,
			Watch:       false,
		},
		Fuzzy: FuzzyConfig{
			SimilarityThreshold: 0.85,
			MaxCandidateLength:  64,
		},
		Semantic: SemanticConfig{
			Enabled:            false,
			ConfirmThreshold:   0.8,
			DowngradeThreshold: 0.3,
			UpgradeThreshold:   0.9,
		},
		Validators: ValidatorsConfig{
			Profiles: map[string][]string{
				"quick":    {"yaml", "markdown", "structure"},
				"standard": {"yaml", "markdown", "structure", "code", "links", "seo"},
				"full":     {"yaml", "markdown", "structure", "code", "links", "seo", "truth"},
			},
			YAML: YAMLValidatorConfig{
				ValidatorCommon: ValidatorCommon{Enabled: true, Tier: 1},
				RequiredFields:  []string{"title", "description"},
				FieldTypes: map[string]string{
					"title":       "string",
					"description": "string",
					"date":        "string",
					"draft":       "bool",
					"tags":        "list",
				},
				AllowUnknown: true,
			},
			Markdown: MarkdownConfig{
				ValidatorCommon:  ValidatorCommon{Enabled: true, Tier: 1},
				MaxHeadingDepth:  4,
				ReportDuplicates: true,
				CheckListMarkers: true,
				CheckEmphasis:    true,
			},
			Code: CodeValidatorConfig{
				ValidatorCommon: ValidatorCommon{Enabled: true, Tier: 2},
				KnownLanguages: []string{
					"bash", "c", "cpp", "csharp", "css", "diff", "dockerfile", "go",
					"html", "java", "javascript", "json", "kotlin", "markdown",
					"php", "python", "ruby", "rust", "shell", "sql", "swift",
					"text", "toml", "typescript", "xml", "yaml",
				},
				DetectLanguage: true,
				CredentialScan: true,
			},
			Links: LinksValidatorConfig{
				ValidatorCommon: ValidatorCommon{Enabled: true, Tier: 2},
				CheckExternal:   true,
				RequestTimeout:  10 * time.Second,
				MaxRetries:      2,
				MaxConcurrent:   8,
				PreferHTTPS:     true,
			},
			Structure: StructureConfig{
				ValidatorCommon:  ValidatorCommon{Enabled: true, Tier: 1},
				TOCWordThreshold: 1500,
			},
			SEO: SEOValidatorConfig{
				ValidatorCommon: ValidatorCommon{Enabled: true, Tier: 2},
				TitleMin:        30,
				TitleMax:        60,
				DescriptionMin:  70,
				DescriptionMax:  160,
				HeadingMax:      70,
			},
			Truth: TruthValidatorConfig{
				ValidatorCommon: ValidatorCommon{Enabled: true, Tier: 3},
			},
		},
		Recommend: RecommendConfig{
			RewriteRatioCeiling: 0.5,
			MinConfidence:       0.0,
		},
		Enhance: EnhanceConfig{
			MaxRewriteRatio: 0.5,
			BackupDir:       ".tbcv-backups",
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentWorkflows: 4,
			SemanticLLM:            1,
			ContentValidator:       2,
			Fuzzy:                  2,
			TruthIndex:             4,
		},
		Workflow: WorkflowConfig{
			StepRetries:    2,
			RetryBaseDelay: 250 * time.Millisecond,
			DefaultWorkers: 4,
		},
		Timeouts: TimeoutConfig{
			Step:  30 * time.Second,
			File:  30 * time.Second,
			Batch: 30 * time.Minute,
			Link:  10 * time.Second,
		},
		Boundary: BoundaryConfig{
			Mode:     "warn",
			RetryMax: 3,
		},
	}
}
