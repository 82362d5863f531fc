/*
Copyright 2026 The kra-vscu-microservice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vscu "github.com/Solvitwithus/kra-vscu-microservice"
	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/database"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/notification"
)

// skipServiceAnnotation marks commands that only need the configuration.
const skipServiceAnnotation = "vscu/skip-service"

// CLI wraps the root Cobra command.
type CLI struct {
	cmd *cobra.Command
}

// vscuInstance holds what a command runs against once preRun has finished.
type vscuInstance struct {
	svc *vscu.Service
	cnf *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and, unless the command opts out, builds the
// submission service.
func preRun(app *vscuInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config: ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if cmd.Annotations[skipServiceAnnotation] == "true" {
			return nil
		}

		svc, err := setupService(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.svc = svc
		return nil
	}
}

func setupService(cfg *config.Configuration) (*vscu.Service, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	svc, err := vscu.NewService(db)
	if err != nil {
		return nil, fmt.Errorf("error creating service: %v", err)
	}
	return svc, nil
}

func NewCLI() *CLI {
	var configFile string
	app := &vscuInstance{}

	rootCmd := &cobra.Command{
		Use:   "vscu",
		Short: "Virtual sales control unit middleware for eTIMS",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./vscu.json", "Configuration file for the vscu middleware")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))
	rootCmd.AddCommand(retryCommands(app))
	rootCmd.AddCommand(keyCommands())

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
