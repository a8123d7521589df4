// Package traincmd builds the accelerate-launch command line and dataset
// configuration for a kohya-ss FLUX LoRA training run. The defaults target
// low-VRAM (8 GB) cards: batch size 1, adafactor, fp8 base quantization,
// gradient checkpointing and latent caching.
package traincmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// ScriptName is the kohya-ss entry point for FLUX LoRA network training.
const ScriptName = "flux_train_network.py"

// Params are the user-facing knobs of a training run. Zero values are
// replaced by the low-VRAM defaults in Build.
type Params struct {
	SDScriptsPath string  `json:"sd_scripts_path" mapstructure:"sd_scripts_path"`
	ModelPath     string  `json:"model_path" mapstructure:"model_path"`
	ImageDir      string  `json:"image_dir" mapstructure:"image_dir"`
	OutputName    string  `json:"output_name" mapstructure:"output_name"`
	OutputRoot    string  `json:"output_root" mapstructure:"output_root"`
	Python        string  `json:"python" mapstructure:"python"`
	Resolution    int     `json:"resolution" mapstructure:"resolution"`
	LearningRate  float64 `json:"learning_rate" mapstructure:"learning_rate"`
	MaxTrainSteps int     `json:"max_train_steps" mapstructure:"max_train_steps"`
	LoRARank      int     `json:"lora_rank" mapstructure:"lora_rank"`
	Seed          int     `json:"seed" mapstructure:"seed"`
	DisableBucket bool    `json:"disable_bucket" mapstructure:"disable_bucket"`
	NoDiskCache   bool    `json:"no_disk_cache" mapstructure:"no_disk_cache"`
}

func (p *Params) applyDefaults() {
	if p.ModelPath == "" {
		p.ModelPath = "black-forest-labs/FLUX.1-dev"
	}
	if p.OutputName == "" {
		p.OutputName = "my_flux_lora"
	}
	if p.Python == "" {
		p.Python = "python"
	}
	if p.Resolution == 0 {
		p.Resolution = 512
	}
	if p.LearningRate == 0 {
		p.LearningRate = 1e-4
	}
	if p.MaxTrainSteps == 0 {
		p.MaxTrainSteps = 1200
	}
	if p.LoRARank == 0 {
		p.LoRARank = 16
	}
	if p.Seed == 0 {
		p.Seed = 42
	}
}

// Result is the generated run plan: the argv list to hand to the
// supervisor, the dataset TOML path and the created output directory.
type Result struct {
	Command     []string `json:"command"`
	DatasetTOML string   `json:"dataset_toml"`
	OutputDir   string   `json:"output_dir"`
}

type datasetGeneral struct {
	ShuffleCaption bool `toml:"shuffle_caption"`
	KeepTokens     int  `toml:"keep_tokens"`
	Seed           int  `toml:"seed"`
}

type datasetEntry struct {
	Resolution       int    `toml:"resolution"`
	MinBucketReso    int    `toml:"min_bucket_reso"`
	MaxBucketReso    int    `toml:"max_bucket_reso"`
	CaptionExtension string `toml:"caption_extension"`
	BatchSize        int    `toml:"batch_size"`
	EnableBucket     bool   `toml:"enable_bucket"`
	BucketResoSteps  int    `toml:"bucket_reso_steps"`
	ImageDir         string `toml:"image_dir"`
}

type datasetConfig struct {
	General  datasetGeneral `toml:"general"`
	Datasets []datasetEntry `toml:"datasets"`
}

// Build validates the parameters, writes the dataset TOML under the run's
// output directory and returns the full accelerate-launch argv. The batch
// size is pinned to 1; everything above resolution and rank is part of the
// memory-saving preset, not a knob.
func Build(p Params) (Result, error) {
	p.applyDefaults()
	if p.SDScriptsPath == "" {
		return Result{}, fmt.Errorf("sd_scripts_path is required")
	}
	if p.ImageDir == "" {
		return Result{}, fmt.Errorf("image_dir is required")
	}

	script := filepath.Join(p.SDScriptsPath, ScriptName)
	if _, err := os.Stat(script); err != nil {
		return Result{}, fmt.Errorf("kohya script not found at %s (is sd-scripts installed?): %w", script, err)
	}

	root := p.OutputRoot
	if root == "" {
		var err error
		if root, err = os.Getwd(); err != nil {
			return Result{}, err
		}
	}
	outputDir := filepath.Join(root, "flux_training", p.OutputName)
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	tomlPath := filepath.Join(outputDir, "dataset.toml")
	if err := writeDatasetTOML(tomlPath, p); err != nil {
		return Result{}, err
	}

	cmd := []string{
		p.Python,
		// Running accelerate as a module is more reliable than the
		// accelerate shim, especially on Windows.
		"-m", "accelerate.commands.launch",
		"--mixed_precision=bf16",
		"--num_cpu_threads_per_process=2",
		script,
		"--pretrained_model_name_or_path", p.ModelPath,
		"--dataset_config", tomlPath,
		"--output_dir", outputDir,
		"--output_name", p.OutputName,
		"--max_train_steps", strconv.Itoa(p.MaxTrainSteps),
		"--learning_rate", strconv.FormatFloat(p.LearningRate, 'g', -1, 64),
		"--gradient_accumulation_steps", "1",
		"--network_dim", strconv.Itoa(p.LoRARank),
		"--network_alpha", strconv.Itoa(p.LoRARank),
		"--mixed_precision", "bf16",
		"--save_precision", "bf16",
		"--gradient_checkpointing",
		"--cache_latents",
	}
	if !p.NoDiskCache {
		cmd = append(cmd, "--cache_latents_to_disk")
	}
	cmd = append(cmd,
		"--optimizer_type", "adafactor",
		"--optimizer_args", "scale_parameter=False", "relative_step=False", "warmup_init=False",
		// fp8_base quantizes the frozen base model, the main 8 GB enabler.
		"--fp8_base",
		"--highvram",
	)

	return Result{Command: cmd, DatasetTOML: tomlPath, OutputDir: outputDir}, nil
}

func writeDatasetTOML(path string, p Params) error {
	cfg := datasetConfig{
		General: datasetGeneral{ShuffleCaption: true, KeepTokens: 1, Seed: p.Seed},
		Datasets: []datasetEntry{{
			Resolution:       p.Resolution,
			MinBucketReso:    256,
			MaxBucketReso:    p.Resolution,
			CaptionExtension: ".txt",
			BatchSize:        1,
			EnableBucket:     !p.DisableBucket,
			BucketResoSteps:  64,
			ImageDir:         p.ImageDir,
		}},
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal dataset config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dataset config: %w", err)
	}
	return nil
}
