// Copyright 2025 bayesfm Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gorse-io/bayesfm/base/log"
	"github.com/gorse-io/bayesfm/dataset"
	"github.com/gorse-io/bayesfm/model"
	"github.com/gorse-io/bayesfm/model/bfm"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "bayesfm",
	Short: "Bayesian factorization machines for regression, classification and ordinal tasks.",
}

var trainCommand = &cobra.Command{
	Use:   "train TRAIN_FILE",
	Short: "Train a model on a libFM format file.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// setup logger
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(debug)
		// parse task and engine
		taskName, _ := cmd.Flags().GetString("task")
		task, err := bfm.ParseTaskType(taskName)
		if err != nil {
			log.Logger().Fatal("failed to parse task", zap.Error(err))
		}
		nFactors, _ := cmd.Flags().GetInt("n-factors")
		nIter, _ := cmd.Flags().GetInt("n-iter")
		nKeptSamples, _ := cmd.Flags().GetInt("n-kept-samples")
		initStdDev, _ := cmd.Flags().GetFloat64("init-stddev")
		seed, _ := cmd.Flags().GetInt64("seed")
		params := model.Params{
			model.NFactors:     nFactors,
			model.NIter:        nIter,
			model.NKeptSamples: nKeptSamples,
			model.InitStdDev:   initStdDev,
			model.RandomState:  seed,
		}
		var machine bfm.FactorizationMachine
		engine, _ := cmd.Flags().GetString("engine")
		switch engine {
		case "gibbs":
			machine = bfm.NewGibbsFM(task, params)
		case "variational":
			machine = bfm.NewVariationalFM(task, params)
		default:
			log.Logger().Fatal("unknown engine", zap.String("engine", engine))
		}
		// load data
		var trainSet, testSet *bfm.Dataset
		testPath, _ := cmd.Flags().GetString("test")
		if testPath != "" {
			if trainSet, testSet, err = dataset.LoadSplit(args[0], testPath); err != nil {
				log.Logger().Fatal("failed to load data", zap.Error(err))
			}
		} else if trainSet, err = dataset.LoadDataset(args[0], 0); err != nil {
			log.Logger().Fatal("failed to load data", zap.Error(err))
		}
		// train
		bar := progressbar.Default(int64(nIter), "training")
		config := bfm.NewFitConfig().SetCallback(func(iteration int, parameters *bfm.ParameterSample, hypers *bfm.HyperParameterSample) bool {
			bar.Describe(fmt.Sprintf("alpha=%.3f w0=%.3f", hypers.Alpha, parameters.W0))
			_ = bar.Add(1)
			return false
		})
		if _, err := machine.Fit(context.Background(), trainSet, testSet, config); err != nil {
			log.Logger().Fatal("failed to fit model", zap.Error(err))
		}
		_ = bar.Finish()
		// save model
		outputPath, _ := cmd.Flags().GetString("output")
		file, err := os.Create(outputPath)
		if err != nil {
			log.Logger().Fatal("failed to create model file", zap.Error(err))
		}
		defer file.Close()
		if err := bfm.MarshalModel(file, machine); err != nil {
			log.Logger().Fatal("failed to save model", zap.Error(err))
		}
		log.Logger().Info("model saved", zap.String("path", outputPath))
	},
}

var predictCommand = &cobra.Command{
	Use:   "predict MODEL_FILE DATA_FILE",
	Short: "Predict targets of a libFM format file with a trained model.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(debug)
		// load model
		file, err := os.Open(args[0])
		if err != nil {
			log.Logger().Fatal("failed to open model file", zap.Error(err))
		}
		defer file.Close()
		machine, err := bfm.UnmarshalModel(file)
		if err != nil {
			log.Logger().Fatal("failed to load model", zap.Error(err))
		}
		// load data
		data, err := dataset.LoadDataset(args[1], 0)
		if err != nil {
			log.Logger().Fatal("failed to load data", zap.Error(err))
		}
		// predict
		predictions, err := machine.Predict(data.X, data.Relations)
		if err != nil {
			log.Logger().Fatal("failed to predict", zap.Error(err))
		}
		for _, prediction := range predictions {
			fmt.Println(prediction)
		}
	},
}

func init() {
	trainCommand.Flags().String("task", "regression", "task type (regression, classification or ordered_probit)")
	trainCommand.Flags().String("engine", "gibbs", "inference engine (gibbs or variational)")
	trainCommand.Flags().Int("n-factors", 8, "rank of the factor matrix")
	trainCommand.Flags().Int("n-iter", 100, "number of iterations")
	trainCommand.Flags().Int("n-kept-samples", 10, "number of kept posterior samples")
	trainCommand.Flags().Float64("init-stddev", 0.1, "standard deviation of the factor initialization")
	trainCommand.Flags().Int64("seed", 0, "random seed")
	trainCommand.Flags().String("test", "", "held-out libFM file for evaluation")
	trainCommand.Flags().StringP("output", "o", "bayesfm.model", "path of the model file")
	trainCommand.Flags().Bool("debug", false, "use debug log mode")
	predictCommand.Flags().Bool("debug", false, "use debug log mode")
	rootCommand.AddCommand(trainCommand)
	rootCommand.AddCommand(predictCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
