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
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// retryCommands runs a single retry pass and exits. It honours the scheduler
// lock, so it is safe next to running servers.
func retryCommands(app *vscuInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-now",
		Short: "retry due submissions once",
		Run: func(cmd *cobra.Command, args []string) {
			defer app.svc.Close()
			n := app.svc.RetryNow(context.Background())
			fmt.Printf("Attempted %d submissions\n", n)
		},
	}
}
