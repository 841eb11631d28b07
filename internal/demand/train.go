package demand

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sample is one labelled listing used for training or evaluation.
type Sample struct {
	ID          string
	Features    Features
	UnitsPerDay float64
}

// TrainOptions configures Train.
type TrainOptions struct {
	Lambda float64
	Now    func() time.Time
}

// Train fits a model on the non-holdout samples and evaluates it on the holdout.
// Samples without a sales rank are ignored.
func Train(samples []Sample, opts TrainOptions) (*Model, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var train []Sample
	for _, s := range samples {
		if s.Features.Rank == nil || IsHoldout(s.ID) {
			continue
		}
		train = append(train, s)
	}
	if len(train) == 0 {
		return nil, eris.New("demand: no training samples after holdout split")
	}

	p := len(featureNames)
	means := make([]float64, p)
	stds := make([]float64, p)
	for i := 0; i < p; i++ {
		var vals []float64
		for _, s := range train {
			if v := rawFeature(s.Features, i); v != nil {
				vals = append(vals, logFeature(*v))
			}
		}
		means[i], stds[i] = meanStd(vals)
	}

	X := make([][]float64, len(train))
	y := make([]float64, len(train))
	for n, s := range train {
		row := make([]float64, p)
		for i := 0; i < p; i++ {
			x := means[i]
			if v := rawFeature(s.Features, i); v != nil {
				x = logFeature(*v)
			}
			row[i] = zscore(x, means[i], stds[i])
		}
		X[n] = row
		y[n] = math.Log1p(math.Max(s.UnitsPerDay, 0))
	}

	coef, err := Fit(X, y, opts.Lambda)
	if err != nil {
		return nil, eris.Wrap(err, "demand: train")
	}

	trainedAt := opts.Now().UTC()
	m := &Model{
		Version:      trainedAt.Format("20060102T150405Z"),
		TrainedAt:    trainedAt,
		Lambda:       opts.Lambda,
		Features:     append([]string(nil), featureNames...),
		Means:        means,
		Stds:         stds,
		Coefficients: coef,
		TrainCount:   len(train),
	}
	m.Metrics = Evaluate(m, samples)

	zap.L().Info("demand: model trained",
		zap.String("version", m.Version),
		zap.Int("train_count", m.TrainCount),
		zap.Int("holdout_count", m.Metrics.HoldoutCount),
		zap.Float64("coef_norm", coefNorm(coef)),
		zap.Float64("holdout_mae", m.Metrics.MAE),
	)
	return m, nil
}

// Evaluate scores m against the holdout partition of samples.
func Evaluate(m *Model, samples []Sample) Metrics {
	var (
		met           Metrics
		absSum, sqSum float64
		logActual     []float64
		logPred       []float64
	)
	for _, s := range samples {
		if !IsHoldout(s.ID) || s.Features.Rank == nil {
			continue
		}
		pred, err := Predict(m, s.Features)
		if err != nil {
			continue
		}
		actual := math.Max(s.UnitsPerDay, 0)
		d := pred - actual
		absSum += math.Abs(d)
		sqSum += d * d
		logActual = append(logActual, math.Log1p(actual))
		logPred = append(logPred, math.Log1p(pred))
	}

	met.HoldoutCount = len(logActual)
	if met.HoldoutCount == 0 {
		return met
	}
	n := float64(met.HoldoutCount)
	met.MAE = absSum / n
	met.RMSE = math.Sqrt(sqSum / n)

	mean, _ := meanStd(logActual)
	var ssRes, ssTot float64
	for i := range logActual {
		ssRes += (logActual[i] - logPred[i]) * (logActual[i] - logPred[i])
		ssTot += (logActual[i] - mean) * (logActual[i] - mean)
	}
	if ssTot > 0 {
		met.R2Log = 1 - ssRes/ssTot
	}
	return met
}

func rawFeature(f Features, i int) *float64 {
	switch i {
	case 0:
		return f.Rank
	case 1:
		return f.OfferCount
	default:
		return f.PricePence
	}
}

// meanStd returns the population mean and standard deviation. An empty or
// constant input yields std 1 so z-scores stay finite.
func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 1
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(vals)))
	if std == 0 {
		std = 1
	}
	return mean, std
}
