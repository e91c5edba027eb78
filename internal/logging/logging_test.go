/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggingTestSuite struct {
	suite.Suite
	saved int
}

func (s *LoggingTestSuite) SetupTest() {
	s.saved = Level()
}

func (s *LoggingTestSuite) TearDownTest() {
	SetLevel(s.saved)
}

func (s *LoggingTestSuite) TestLogColor() {
	SetLevel(LevelTrace)
	var out bytes.Buffer
	l := New("launcher", &out)

	l.Tracef("this is tracef %s", "hello world")
	l.Debugf("this is debugf %s", "hello world")
	l.Infof("this is infof %s", "hello world")
	l.Warnf("this is warnf %s", "hello world")
	l.Errorf("this is errorf %s", "hello world")

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	s.Require().Len(lines, 5)
	for i, name := range levelName {
		s.Contains(lines[i], colors[i]+name)
		s.Contains(lines[i], "logging_test.go:")
		s.Contains(lines[i], "launcher")
		s.True(strings.HasSuffix(lines[i], "hello world"+reset))
	}
}

func (s *LoggingTestSuite) TestLevelFilter() {
	SetLevel(LevelWarn)
	var out bytes.Buffer
	l := New("", &out)

	l.Debugf("hidden")
	l.Infof("hidden")
	s.Empty(out.String())

	l.Warnf("shown")
	s.Contains(out.String(), "shown")

	SetLevel(LevelNoPrint)
	out.Reset()
	l.Errorf("hidden")
	s.Empty(out.String())
}

func (s *LoggingTestSuite) TestSetLevelIgnoresOutOfRange() {
	SetLevel(LevelInfo)
	SetLevel(LevelNoPrint + 1)
	s.Equal(LevelInfo, Level())
	SetLevel(-1)
	s.Equal(LevelInfo, Level())
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
