// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import "k8s.io/klog/v2"

// ErrorReporter receives the error messages of the interpreter and its ops.
type ErrorReporter interface {
	Report(format string, args ...any)
}

// KlogReporter is the default ErrorReporter: it logs with klog.Errorf.
type KlogReporter struct{}

// Report implements ErrorReporter.
func (KlogReporter) Report(format string, args ...any) {
	klog.ErrorfDepth(1, format, args...)
}
