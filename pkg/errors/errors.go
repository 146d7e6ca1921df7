/*
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

package errors

import (
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

const (
	instanceNotFoundCode  = "InvalidInstanceID.NotFound"
	parameterNotFoundCode = "ParameterNotFound"
	queueNotFoundCode     = "AWS.SimpleQueueService.NonExistentQueue"
)

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = []string{
		instanceNotFoundCode,
		parameterNotFoundCode,
		queueNotFoundCode,
	}
	// retriableFleetErrorCodes signify that capacity or request limits blocked the
	// fleet request and that it may succeed when tried again later
	retriableFleetErrorCodes = []string{
		"UnfulfillableCapacity",
		"MaxSpotInstanceCountExceeded",
		"TargetCapacityLimitExceededException",
		"RequestLimitExceeded",
		"ResourceLimitExceeded",
		"MaxSpotFleetRequestCountExceeded",
		"InsufficientInstanceCapacity",
	}
)

// RetriableError marks a failure that clears on its own, so the work that hit
// it should be redelivered rather than dropped.
type RetriableError struct {
	error
}

func NewRetriableError(err error) *RetriableError {
	return &RetriableError{error: err}
}

func (e *RetriableError) Unwrap() error {
	return e.error
}

func IsRetriable(err error) bool {
	_, ok := lo.ErrorsAs[*RetriableError](err)
	return ok
}

// ScaleError reports how many runners of a scale request could not be created
// for a retriable reason. The intake loop converts the count into message
// rejections so the queue redelivers exactly that much work.
type ScaleError struct {
	FailedCount int

	err error
}

func NewScaleError(failedCount int, err error) *ScaleError {
	return &ScaleError{FailedCount: failedCount, err: err}
}

func (e *ScaleError) Error() string {
	return fmt.Sprintf("creating %d runners, %s", e.FailedCount, e.err)
}

func (e *ScaleError) Unwrap() error {
	return e.err
}

func AsScaleError(err error) (*ScaleError, bool) {
	return lo.ErrorsAs[*ScaleError](err)
}

// IsNotFound returns true if the err is an AWS error (even if it's
// wrapped) and is known to mean "not found" (as opposed to a more
// serious or unexpected error)
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return lo.Contains(notFoundErrorCodes, apiErr.ErrorCode())
	}
	return false
}

func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

// IsRetriableFleetCode returns true if the CreateFleet error code signals a
// condition that clears on its own, such as a capacity shortage or an API
// limit, rather than a misconfigured request.
func IsRetriableFleetCode(code string) bool {
	return lo.Contains(retriableFleetErrorCodes, code)
}
