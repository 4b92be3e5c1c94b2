// Copyright 2026 The Nirvana Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary substratectl is a command-line harness for the substrate
// runtime: it bootstraps a System and drives the scenarios used to
// validate L0-L5 end to end.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/nirvana-go/substrate/cmd/substratectl/democmd"
)

func registerCommands() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(democmd.Command), "")
}

func main() {
	registerCommands()
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
