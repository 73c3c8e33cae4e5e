package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"dkilife/internal/models"
	"dkilife/internal/npyio"
	"dkilife/pkg/config"
	"dkilife/pkg/gradients"
	"dkilife/pkg/ivim"
	"dkilife/pkg/life"
	"dkilife/pkg/logging"
	"dkilife/pkg/reconst"
	"dkilife/pkg/tensor"
	"dkilife/pkg/xval"
)

func main() {
	// Parse command line arguments
	model := flag.String("model", "life", "Model to fit: life, dti, dki or ivim")
	configPath := flag.String("config", "dkilife.yaml", "YAML configuration file (defaults are used when missing)")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	dataPath := flag.String("data", "", "Diffusion data .npy, shape (X, Y, Z, G) or (voxels, G)")
	bvalsPath := flag.String("bvals", "", "b-values .npy, shape (G,)")
	bvecsPath := flag.String("bvecs", "", "b-vectors .npy, shape (G, 3) or (3, G)")
	pointsPath := flag.String("streamlines", "", "Concatenated streamline points .npy, shape (N, 3) (life only)")
	lengthsPath := flag.String("lengths", "", "Points per streamline .npy, shape (S,) (life only)")
	affinePath := flag.String("affine", "", "Streamline-to-voxel affine .npy, shape (4, 4) (life only)")
	outputDir := flag.String("output", "dkilife_out", "Directory for the output arrays")
	mode := flag.String("mode", "", "LiFE optimizer: speed or memory (overrides config)")
	workers := flag.Int("workers", 0, "Number of parallel workers (overrides config)")
	folds := flag.Int("folds", -1, "k-fold cross-validation folds for dti, dki and ivim (overrides config)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *dataPath == "" || *bvalsPath == "" || *bvecsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mode != "" {
		cfg.Life.Mode = *mode
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}
	if *folds >= 0 {
		cfg.XVal.Folds = *folds
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.Output.Verbose {
		fmt.Println("================================")
		fmt.Println("DIFFUSION MRI MODEL FITTING: LiFE, DTI, DKI AND IVIM")
		fmt.Println("================================")
	}

	table, err := npyio.ReadGradients(*bvalsPath, *bvecsPath, cfg.TableOptions()...)
	if err != nil {
		log.Fatalf("Failed to read gradient table: %v", err)
	}
	data, err := npyio.ReadVolume(*dataPath)
	if err != nil {
		log.Fatalf("Failed to read data: %v", err)
	}
	if cfg.Output.Verbose {
		dims := data.Dims()
		fmt.Printf("Loaded %dx%dx%d volume with %d measurements (%d b0)\n",
			dims[0], dims[1], dims[2], dims[3], table.NumB0())
	}

	startTime := time.Now()
	switch *model {
	case "life":
		if *pointsPath == "" || *lengthsPath == "" {
			log.Fatalf("-streamlines and -lengths are required for the life model")
		}
		err = runLife(ctx, cfg, logger, table, data, *pointsPath, *lengthsPath, *affinePath, *outputDir)
	case "dti", "dki", "ivim":
		err = runVoxelwise(ctx, cfg, logger, *model, table, data, *outputDir)
	default:
		log.Fatalf("Unknown model %q", *model)
	}
	if err != nil {
		log.Fatalf("Fitting failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if cfg.Output.Verbose {
		fmt.Printf("\nFit completed successfully in %.2f seconds!\n", processingTime.Seconds())
		fmt.Printf("Outputs saved to: %s\n", *outputDir)
		fmt.Printf("- Used %d workers for processing\n", cfg.Processing.Workers)
	}
}

func runLife(ctx context.Context, cfg *config.Config, logger *logging.Logger, table *gradients.Table,
	data *life.DenseVolume, pointsPath, lengthsPath, affinePath, outputDir string) error {
	streamlines, err := npyio.ReadStreamlines(pointsPath, lengthsPath)
	if err != nil {
		return err
	}
	var affine *models.Affine
	if affinePath != "" {
		if affine, err = npyio.ReadAffine(affinePath); err != nil {
			return err
		}
	}

	opts, err := cfg.LifeOptions(logger)
	if err != nil {
		return err
	}
	if cfg.Output.Verbose {
		opts = append(opts, life.WithProgress(func(iteration int, _ []float64) {
			fmt.Printf("  iteration %d\n", iteration)
		}))
	}
	fm, err := life.NewFiberModel(table, opts...)
	if err != nil {
		return err
	}
	fit, err := fm.Fit(ctx, data, streamlines, affine)
	if err != nil {
		return err
	}
	pred, err := fit.Predict(nil, nil)
	if err != nil {
		return err
	}

	voxels := make([]float64, 0, 3*len(fit.Voxels))
	for _, v := range fit.Voxels {
		voxels = append(voxels, float64(v.X), float64(v.Y), float64(v.Z))
	}
	if err := npyio.WriteFloat64(filepath.Join(outputDir, "beta.npy"), []int{len(fit.Beta)}, fit.Beta); err != nil {
		return err
	}
	if err := npyio.WriteFloat64(filepath.Join(outputDir, "voxels.npy"), []int{len(fit.Voxels), 3}, voxels); err != nil {
		return err
	}
	if err := npyio.WriteRows(filepath.Join(outputDir, "predicted.npy"), pred); err != nil {
		return err
	}

	metrics := fit.Metrics()
	fmt.Printf("\nLiFE fit metrics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Streamlines: %d (%d with non-zero weight)\n", len(fit.Beta), metrics.NonZeroWeights)
	fmt.Printf("Voxels: %d (%d supported)\n", len(fit.Voxels), metrics.SupportedVoxels)
	fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", metrics.RMSE)
	fmt.Printf("Coefficient of determination (R²): %.4f\n", metrics.R2)
	fmt.Printf("Solver: %s after %d iterations, SSE %.6g\n", fit.Report.Status, fit.Report.Iterations, fit.Report.BestSSE)
	return nil
}

// runVoxelwise fits a single-voxel model to every voxel with a positive
// baseline signal and writes one map per parameter.
func runVoxelwise(ctx context.Context, cfg *config.Config, logger *logging.Logger, model string,
	table *gradients.Table, data *life.DenseVolume, outputDir string) error {
	rows, index := voxelRows(table, data)
	if cfg.Output.Verbose {
		fmt.Printf("Fitting %s to %d voxels\n", model, len(rows))
	}
	n := len(rows)
	maps := map[string][]float64{}
	put := func(name string, v int, width int, vals ...float64) {
		m, ok := maps[name]
		if !ok {
			m = make([]float64, n*width)
			maps[name] = m
		}
		copy(m[v*width:], vals)
	}

	var fitter xval.Fitter
	switch model {
	case "dti", "dki":
		ropts, err := cfg.ReconstOptions(logger)
		if err != nil {
			return err
		}
		if model == "dti" {
			fitter = xval.TensorFitter(ropts...)
			tm, err := reconst.NewTensorModel(table, ropts...)
			if err != nil {
				return err
			}
			fits, err := tm.FitAll(ctx, rows)
			if err != nil {
				return err
			}
			eigs := make([]tensor.Eig, len(fits))
			for v, f := range fits {
				putTensor(put, v, f)
				eigs[v] = f.Eig
			}
			for v, dir := range reconst.QuantizeEvecs(eigs, nil) {
				put("direction", v, 1, float64(dir))
			}
		} else {
			fitter = xval.DKIFitter(ropts...)
			dm, err := reconst.NewDKIModel(table, ropts...)
			if err != nil {
				return err
			}
			fits, err := dm.FitAll(ctx, rows)
			if err != nil {
				return err
			}
			for v, f := range fits {
				putTensor(put, v, &f.TensorFit)
				put("mk", v, 1, f.MK())
				put("ak", v, 1, f.AK())
				put("rk", v, 1, f.RK())
				put("kt", v, 15, f.KT[:]...)
			}
		}
	case "ivim":
		iopts, err := cfg.IVIMOptions(logger)
		if err != nil {
			return err
		}
		fitter = xval.IVIMFitter(iopts...)
		im, err := ivim.NewModel(table, iopts...)
		if err != nil {
			return err
		}
		fits, err := im.FitAll(ctx, rows)
		if err != nil {
			return err
		}
		for v, f := range fits {
			put("ivim_params", v, 4, f.S0, f.F, f.DStar, f.D)
			put("ivim_sse", v, 1, f.SSE)
		}
	}

	for name, m := range maps {
		width := len(m) / max(n, 1)
		shape := []int{n}
		if width > 1 {
			shape = append(shape, width)
		}
		if err := npyio.WriteFloat64(filepath.Join(outputDir, name+".npy"), shape, m); err != nil {
			return err
		}
	}
	if err := npyio.WriteRows(filepath.Join(outputDir, "voxels.npy"), index); err != nil {
		return err
	}

	if cfg.XVal.Folds == 0 {
		return nil
	}
	pred, err := xval.KFold(ctx, fitter, table, rows, cfg.XVal.Folds,
		xval.WithSeed(cfg.XVal.Seed), xval.WithWorkers(cfg.Processing.Workers), xval.WithLogger(logger))
	if err != nil {
		return err
	}
	r2 := make([]float64, n)
	for v, row := range rows {
		dw := make([]float64, 0, table.NumDiffusion())
		for i, b0 := range table.B0s {
			if !b0 {
				dw = append(dw, row[i])
			}
		}
		r2[v] = xval.CoeffOfDetermination(dw, pred[v])
	}
	if err := npyio.WriteRows(filepath.Join(outputDir, "xval_predicted.npy"), pred); err != nil {
		return err
	}
	if err := npyio.WriteFloat64(filepath.Join(outputDir, "xval_r2.npy"), []int{n}, r2); err != nil {
		return err
	}
	mean, std := stat.MeanStdDev(r2, nil)
	fmt.Printf("\nCross-validation (%d folds):\n", cfg.XVal.Folds)
	fmt.Printf("=======================================\n")
	fmt.Printf("Coefficient of determination: %.2f%% ± %.2f\n", mean, std)
	return nil
}

func putTensor(put func(string, int, int, ...float64), v int, f *reconst.TensorFit) {
	put("fa", v, 1, f.FA())
	put("md", v, 1, f.MD())
	put("ad", v, 1, f.AD())
	put("rd", v, 1, f.RD())
	put("evals", v, 3, f.Eig.Vals[:]...)
	put("s0", v, 1, f.S0)
}

// voxelRows returns the signal of every voxel whose baseline is positive,
// together with its (x, y, z) index. Without b0 measurements the baseline is
// the largest measurement.
func voxelRows(table *gradients.Table, data *life.DenseVolume) ([][]float64, [][]float64) {
	dims := data.Dims()
	var rows, index [][]float64
	for x := 0; x < dims[0]; x++ {
		for y := 0; y < dims[1]; y++ {
			for z := 0; z < dims[2]; z++ {
				row := make([]float64, dims[3])
				base := 0.0
				for g := range row {
					row[g] = data.At(x, y, z, g)
					if table.NumB0() == 0 || table.B0s[g] {
						base = max(base, row[g])
					}
				}
				if base <= 0 {
					continue
				}
				rows = append(rows, row)
				index = append(index, []float64{float64(x), float64(y), float64(z)})
			}
		}
	}
	return rows, index
}
