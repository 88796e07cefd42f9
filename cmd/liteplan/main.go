// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// liteplan loads a YAML model description, allocates its tensors and prints the memory layout planned
// for the arenas. Optionally it fills the Float32 inputs with a value and invokes the model a number of
// times, displaying a progress bar and the final outputs.
//
// Usage:
//
//	liteplan [-config=threads=4,alignment=64] [-plan=0,2,1] [-invoke=N] [-fill=1.0] model.yaml
//
// See package github.com/gomlx/golite/pkg/lite/model for the model format.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/interpreter"
	"github.com/gomlx/golite/pkg/lite/model"
	"github.com/gomlx/golite/pkg/lite/ops"
	"github.com/gomlx/golite/pkg/lite/tensors"
	"github.com/gomlx/golite/ui/commandline"
)

var (
	flagConfig = flag.String("config", "",
		fmt.Sprintf("Interpreter configuration, e.g. \"threads=4,alignment=64\". If empty, $%s is used.",
			interpreter.GOLITE_INTERPRETER))
	flagPlan    = flag.String("plan", "", "Comma-separated node indices to use as execution plan, instead of the model's one.")
	flagInvoke  = flag.Int("invoke", 0, "Number of times to invoke the model after allocating it.")
	flagFill    = flag.Float64("fill", 1.0, "Value used to fill the numeric inputs before invoking.")
	flagLayout  = flag.Bool("layout", true, "Print the tensors layout after allocation.")
	flagMaxShow = flag.Int("max_values", 16, "Maximum number of values of each output to print after invoking.")

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one model file, got %d arguments. See 'liteplan -help'.", len(args))
		os.Exit(1)
	}
	must.M(run(os.Stdout, args[0]))
}

func newInterpreter() (*interpreter.Interpreter, error) {
	if *flagConfig == "" {
		return interpreter.New(), nil
	}
	return interpreter.NewWithConfig(*flagConfig)
}

// parsePlan parses a comma-separated list of node indices.
func parsePlan(s string) ([]int, error) {
	plan := []int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid node index %q in plan %q", part, s)
		}
		plan = append(plan, idx)
	}
	return plan, nil
}

func run(w io.Writer, modelPath string) error {
	m, err := model.Load(modelPath)
	if err != nil {
		return err
	}
	interp, err := newInterpreter()
	if err != nil {
		return err
	}
	defer interp.Close()
	if err = model.Build(interp, m, ops.Builtins()); err != nil {
		return err
	}
	if *flagPlan != "" {
		plan, err := parsePlan(*flagPlan)
		if err != nil {
			return err
		}
		if err = interp.SetExecutionPlan(plan); err != nil {
			return err
		}
	}
	start := time.Now()
	if err = interp.AllocateTensors(); err != nil {
		return err
	}
	klog.V(1).Infof("AllocateTensors took %s", commandline.FormatDuration(time.Since(start)))
	if *flagLayout {
		fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Layout of %q", m.Name)))
		if err = commandline.PrintLayout(w, interp); err != nil {
			return err
		}
	}
	if *flagInvoke <= 0 {
		return nil
	}

	pBar := commandline.NewProgressBar(*flagInvoke, func() (name, value string) {
		return "Dynamic tensors", humanize.IBytes(uint64(interp.Stats().DynamicBytes))
	})
	for step := range *flagInvoke {
		// Input buffers may be reused by later nodes, so they are filled before every invocation.
		if err = fillInputs(interp, *flagFill); err != nil {
			break
		}
		start = time.Now()
		err = interp.Invoke()
		if err != nil {
			break
		}
		pBar.Step(step, time.Since(start))
	}
	pBar.Done()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render("Outputs"))
	for ii, id := range interp.Outputs() {
		fmt.Fprintf(w, "  #%d %q: %s\n", ii, interp.OutputName(ii), formatValues(interp.Tensor(id), *flagMaxShow))
	}
	return nil
}

func fillInputs(interp *interpreter.Interpreter, value float64) error {
	for _, id := range interp.Inputs() {
		if err := fillTensor(interp.Tensor(id), value); err != nil {
			return err
		}
	}
	return nil
}

// fillTensor sets all values of a numeric tensor to value. Other tensors are left untouched.
func fillTensor(t *tensors.Tensor, value float64) error {
	switch t.DType() {
	case dtypes.Float32:
		fill(tensors.Flat[float32](t), float32(value))
	case dtypes.Float64:
		fill(tensors.Flat[float64](t), value)
	case dtypes.Int32:
		fill(tensors.Flat[int32](t), int32(value))
	case dtypes.Int64:
		fill(tensors.Flat[int64](t), int64(value))
	case dtypes.Uint8:
		fill(tensors.Flat[uint8](t), uint8(value))
	default:
		klog.Warningf("input %s not filled: dtype %s not supported by -fill", t, t.DType())
		return nil
	}
	if !t.IsBound() && t.NumBytes() > 0 {
		return errors.Errorf("input %s has no buffer", t)
	}
	return nil
}

func fill[T dtypes.Number](values []T, value T) {
	for ii := range values {
		values[ii] = value
	}
}

// formatValues returns up to maxValues values of t, as a string.
func formatValues(t *tensors.Tensor, maxValues int) string {
	var values []string
	var total int
	switch t.DType() {
	case dtypes.String:
		count, err := t.NumStrings()
		if err != nil {
			return fmt.Sprintf("<%v>", err)
		}
		total = count
		for ii := range min(count, maxValues) {
			str, _ := t.ReadString(ii)
			values = append(values, strconv.Quote(string(str)))
		}
	case dtypes.Float32:
		values, total = formatFlat(tensors.Flat[float32](t), maxValues)
	case dtypes.Float64:
		values, total = formatFlat(tensors.Flat[float64](t), maxValues)
	case dtypes.Int32:
		values, total = formatFlat(tensors.Flat[int32](t), maxValues)
	case dtypes.Int64:
		values, total = formatFlat(tensors.Flat[int64](t), maxValues)
	case dtypes.Uint8:
		values, total = formatFlat(tensors.Flat[uint8](t), maxValues)
	default:
		return fmt.Sprintf("%s (%s)", t.Shape(), humanize.IBytes(uint64(t.NumBytes())))
	}
	if total > len(values) {
		values = append(values, "...")
	}
	return fmt.Sprintf("%s [%s]", t.Shape(), strings.Join(values, ", "))
}

func formatFlat[T dtypes.Number](flat []T, maxValues int) (values []string, total int) {
	for _, v := range flat[:min(len(flat), maxValues)] {
		values = append(values, fmt.Sprint(v))
	}
	return values, len(flat)
}
