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
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
)

// configCommands prints the effective configuration with secrets masked.
func configCommands(app *vscuInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "print the effective configuration",
		Annotations: map[string]string{skipServiceAnnotation: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(app.cnf.Redacted(), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}

// keyCommands prints a fresh pair of sealing keys for crypto.opaque_key and
// crypto.lookup_key.
func keyCommands() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-keys",
		Short: "generate encryption keys for the crypto section",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			opaque, err := crypto.GenerateKey(crypto.OpaqueKeySize)
			if err != nil {
				log.Fatal(err)
			}
			lookup, err := crypto.GenerateKey(crypto.LookupKeySize)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("VSCU_CRYPTO_OPAQUE_KEY=%s\nVSCU_CRYPTO_LOOKUP_KEY=%s\n", opaque, lookup)
		},
	}
}
