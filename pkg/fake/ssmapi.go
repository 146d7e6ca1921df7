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

package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
)

// SSMBehavior must be reset between tests otherwise tests will
// pollute each other.
type SSMBehavior struct {
	GetParameterBehavior      MockedFunction[ssm.GetParameterInput, ssm.GetParameterOutput]
	PutParameterBehavior      MockedFunction[ssm.PutParameterInput, ssm.PutParameterOutput]
	DeleteParameterBehavior   MockedFunction[ssm.DeleteParameterInput, ssm.DeleteParameterOutput]
	AddTagsToResourceBehavior MockedFunction[ssm.AddTagsToResourceInput, ssm.AddTagsToResourceOutput]
	Parameters                AtomicParameterStore
}

type SSMAPI struct {
	sdk.SSMAPI
	SSMBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *SSMAPI) Reset() {
	s.GetParameterBehavior.Reset()
	s.PutParameterBehavior.Reset()
	s.DeleteParameterBehavior.Reset()
	s.AddTagsToResourceBehavior.Reset()
	s.Parameters.Reset()
}

func (s *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return s.GetParameterBehavior.Invoke(input, func(input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		value, ok := s.Parameters.Load(lo.FromPtr(input.Name))
		if !ok {
			return nil, &ssmtypes.ParameterNotFound{}
		}
		return &ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{
				Name:  input.Name,
				Value: aws.String(value),
			},
		}, nil
	})
}

func (s *SSMAPI) PutParameter(_ context.Context, input *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	return s.PutParameterBehavior.Invoke(input, func(input *ssm.PutParameterInput) (*ssm.PutParameterOutput, error) {
		s.Parameters.Store(lo.FromPtr(input.Name), lo.FromPtr(input.Value))
		return &ssm.PutParameterOutput{}, nil
	})
}

func (s *SSMAPI) DeleteParameter(_ context.Context, input *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	return s.DeleteParameterBehavior.Invoke(input, func(input *ssm.DeleteParameterInput) (*ssm.DeleteParameterOutput, error) {
		if _, ok := s.Parameters.Load(lo.FromPtr(input.Name)); !ok {
			return nil, &ssmtypes.ParameterNotFound{}
		}
		s.Parameters.Delete(lo.FromPtr(input.Name))
		return &ssm.DeleteParameterOutput{}, nil
	})
}

func (s *SSMAPI) AddTagsToResource(_ context.Context, input *ssm.AddTagsToResourceInput, _ ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error) {
	return s.AddTagsToResourceBehavior.Invoke(input, func(_ *ssm.AddTagsToResourceInput) (*ssm.AddTagsToResourceOutput, error) {
		return &ssm.AddTagsToResourceOutput{}, nil
	})
}

// AtomicParameterStore keeps the fake's parameters in a race-free map.
type AtomicParameterStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *AtomicParameterStore) Store(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[name] = value
}

func (s *AtomicParameterStore) Load(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[name]
	return value, ok
}

func (s *AtomicParameterStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Names returns the stored parameter names in lexical order.
func (s *AtomicParameterStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := lo.Keys(s.values)
	sort.Strings(names)
	return names
}

func (s *AtomicParameterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *AtomicParameterStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = nil
}
