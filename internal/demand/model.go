package demand

import (
	"math"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingRequiredFeature is returned when a prediction lacks sales rank.
	ErrMissingRequiredFeature = eris.New("demand: missing required feature")
	// ErrModelUnavailable is returned when no model has been loaded.
	ErrModelUnavailable = eris.New("demand: model unavailable")
)

// Feature names in coefficient order (after the intercept).
const (
	FeatureRank       = "log_sales_rank"
	FeatureOfferCount = "log_offer_count"
	FeaturePrice      = "log_price_pence"
)

var featureNames = []string{FeatureRank, FeatureOfferCount, FeaturePrice}

// Features are the catalog signals for one listing. Nil fields are unknown.
type Features struct {
	Rank       *float64
	OfferCount *float64
	PricePence *float64
}

// Metrics summarise model quality on the holdout partition.
type Metrics struct {
	HoldoutCount int     `yaml:"holdout_count" json:"holdout_count"`
	MAE          float64 `yaml:"mae" json:"mae"`
	RMSE         float64 `yaml:"rmse" json:"rmse"`
	R2Log        float64 `yaml:"r2_log" json:"r2_log"`
}

// Model is a versioned ridge model over log-transformed, z-scored features.
// The target is log1p(units per day).
type Model struct {
	Version      string    `yaml:"version" json:"version"`
	TrainedAt    time.Time `yaml:"trained_at" json:"trained_at"`
	Lambda       float64   `yaml:"lambda" json:"lambda"`
	Features     []string  `yaml:"features" json:"features"`
	Means        []float64 `yaml:"means" json:"means"`
	Stds         []float64 `yaml:"stds" json:"stds"`
	Coefficients []float64 `yaml:"coefficients" json:"coefficients"`
	TrainCount   int       `yaml:"train_count" json:"train_count"`
	Metrics      Metrics   `yaml:"metrics" json:"metrics"`
}

func (m *Model) validate() error {
	p := len(featureNames)
	if len(m.Means) != p || len(m.Stds) != p || len(m.Coefficients) != p+1 {
		return eris.Errorf("demand: model %q has inconsistent dimensions", m.Version)
	}
	return nil
}

// Predict returns the expected units per day for f. Missing offer count or
// price fall back to the training means; a missing rank is an error.
func Predict(m *Model, f Features) (float64, error) {
	if m == nil {
		return 0, ErrModelUnavailable
	}
	if err := m.validate(); err != nil {
		return 0, err
	}
	if f.Rank == nil {
		return 0, eris.Wrap(ErrMissingRequiredFeature, FeatureRank)
	}

	raw := []*float64{f.Rank, f.OfferCount, f.PricePence}
	z := m.Coefficients[0]
	for i, v := range raw {
		x := m.Means[i]
		if v != nil {
			x = logFeature(*v)
		}
		z += m.Coefficients[i+1] * zscore(x, m.Means[i], m.Stds[i])
	}

	pred := math.Expm1(z)
	if pred < 0 || math.IsNaN(pred) {
		return 0, nil
	}
	return pred, nil
}

// logFeature maps a raw signal into model space. Negative inputs are treated as zero.
func logFeature(v float64) float64 {
	if v < 0 {
		v = 0
	}
	return math.Log1p(v)
}

func zscore(x, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (x - mean) / std
}

// SaveModel writes m as YAML to path.
func SaveModel(path string, m *Model) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "demand: marshal model")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "demand: write model %s", path)
	}
	return nil
}

// LoadModel reads a YAML model artifact.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "demand: read model %s", path)
	}
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "demand: parse model")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
