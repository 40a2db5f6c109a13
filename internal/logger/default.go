/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package logger

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/scailio-oss/dreserve/logger"
)

const debugLevel = 4

type defaultLogger struct {
}

// Default returns a Logger writing structured lines through klog. Debug output is only emitted with -v=4 or higher.
func Default() logger.Logger {
	return &defaultLogger{}
}

func (d defaultLogger) Debug(_ context.Context, msg string, param ...any) {
	klog.V(debugLevel).InfoSDepth(1, msg, param...)
}

func (d defaultLogger) Info(_ context.Context, msg string, param ...any) {
	klog.InfoSDepth(1, msg, param...)
}

func (d defaultLogger) Warn(_ context.Context, msg string, param ...any) {
	klog.InfoSDepth(1, "WARN "+msg, param...)
}

func (d defaultLogger) Error(_ context.Context, msg string, param ...any) {
	// the cause, if any, is part of param already
	klog.ErrorSDepth(1, nil, msg, param...)
}
