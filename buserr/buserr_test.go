/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package buserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrRemoteDisconnect, ErrLocalDisconnect, ErrTransportIO,
		ErrAuthFailed,
		ErrMalformedMessage, ErrSignatureTooLong, ErrNestingTooDeep,
		ErrInvalidString, ErrInvalidObjectPath,
		ErrTimeout, ErrDetachedPendingReply, ErrSendFailed,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "sentinel %d unexpectedly matches sentinel %d", i, j)
		}
	}
}

func TestWrappedSentinelIsDiscoverable(t *testing.T) {
	wrapped := fmt.Errorf("transport: write failed: %w", ErrTransportIO)
	assert.True(t, errors.Is(wrapped, ErrTransportIO))
	assert.False(t, errors.Is(wrapped, ErrAuthFailed))
}

func TestRemoteErrorMessageWithStringBody(t *testing.T) {
	e := &RemoteError{Name: "org.example.Error.Failed", Body: []any{"it broke"}}
	assert.Equal(t, "org.example.Error.Failed: it broke", e.Error())
}

func TestRemoteErrorMessageWithNoBody(t *testing.T) {
	e := &RemoteError{Name: "org.example.Error.Failed"}
	assert.Equal(t, "org.example.Error.Failed", e.Error())
}

func TestRemoteErrorMessageWithNonStringFirstArg(t *testing.T) {
	e := &RemoteError{Name: "org.example.Error.Failed", Body: []any{int32(7)}}
	assert.Equal(t, "org.example.Error.Failed", e.Error())
}

func TestRemoteErrorSatisfiesErrorInterface(t *testing.T) {
	var err error = &RemoteError{Name: "org.example.Error.Failed"}
	assert.EqualError(t, err, "org.example.Error.Failed")
}

func TestRemoteErrorAsTarget(t *testing.T) {
	wrapped := fmt.Errorf("call failed: %w", &RemoteError{Name: "org.example.Error.Failed"})
	var target *RemoteError
	require := assert.New(t)
	require.True(errors.As(wrapped, &target))
	require.Equal("org.example.Error.Failed", target.Name)
}
