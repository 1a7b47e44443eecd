// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mathexpr/mathexpr/expr"
	"github.com/mathexpr/mathexpr/internal/lexer"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mathexpr",
		Short: "Compile and evaluate arithmetic expressions via an in-process x86-64 JIT",
	}
	root.AddCommand(evalCmd())
	root.AddCommand(tokensCmd())
	return root
}

func parseVarFlags(vars []string) (map[string]float64, error) {
	out := make(map[string]float64, len(vars))
	for _, kv := range vars {
		name, valueStr, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", kv)
		}
		value, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --var %q: %w", kv, err)
		}
		out[name] = value
	}
	return out, nil
}

func evalCmd() *cobra.Command {
	var varFlags []string
	var dumpAsm bool
	var dumpBytes bool

	cmd := &cobra.Command{
		Use:   "eval EXPR",
		Short: "Compile EXPR and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}
			compiled, err := expr.Compile(args[0])
			if err != nil {
				return fmt.Errorf("compiling expression: %w", err)
			}
			defer compiled.Close()

			if dumpAsm {
				for _, line := range compiled.Disassembly() {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			if dumpBytes {
				fmt.Fprintf(cmd.OutOrStdout(), "% x\n", compiled.MachineCode())
			}

			result := compiled.Eval(vars)
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "variable binding, name=value (repeatable)")
	cmd.Flags().BoolVar(&dumpAsm, "dump-asm", false, "print the generated assembly before the result")
	cmd.Flags().BoolVar(&dumpBytes, "dump-bytes", false, "print the generated machine code bytes before the result")
	return cmd
}

func tokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens EXPR",
		Short: "Print the token stream for EXPR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toks, err := lexer.Tokenize(args[0])
			if err != nil {
				return err
			}
			for _, tok := range toks {
				fmt.Fprintf(cmd.OutOrStdout(), "[%v, %q]\n", tok.Kind, tok.Text)
			}
			return nil
		},
	}
}
