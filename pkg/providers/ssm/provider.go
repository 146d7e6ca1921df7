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

package ssm

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
	"github.com/runnerfleet/runnerfleet/pkg/log"
)

type Provider interface {
	Get(context.Context, Parameter) (string, error)
	Put(context.Context, Parameter, string) error
	PutSecret(context.Context, Parameter, string, string) error
	Delete(context.Context, Parameter) error
}

type DefaultProvider struct {
	sync.Mutex
	cache  *cache.Cache
	ssmapi sdk.SSMAPI
}

func NewDefaultProvider(ssmapi sdk.SSMAPI, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{
		ssmapi: ssmapi,
		cache:  cache,
	}
}

func (p *DefaultProvider) Get(ctx context.Context, parameter Parameter) (string, error) {
	p.Lock()
	defer p.Unlock()
	if entry, ok := p.cache.Get(parameter.CacheKey()); ok {
		return entry.(CacheEntry).Value, nil
	}
	result, err := p.ssmapi.GetParameter(ctx, parameter.GetParameterInput())
	if err != nil {
		return "", fmt.Errorf("getting ssm parameter %q, %w", parameter.Name, err)
	}
	p.cache.SetDefault(parameter.CacheKey(), CacheEntry{
		Parameter: parameter,
		Value:     lo.FromPtr(result.Parameter.Value),
	})
	log.FromContext(ctx).V(1).Info("discovered ssm parameter", "parameter", parameter.Name)
	return lo.FromPtr(result.Parameter.Value), nil
}

func (p *DefaultProvider) Put(ctx context.Context, parameter Parameter, value string) error {
	p.Lock()
	defer p.Unlock()
	if _, err := p.ssmapi.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      lo.ToPtr(parameter.Name),
		Value:     lo.ToPtr(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: lo.ToPtr(true),
	}); err != nil {
		return fmt.Errorf("putting ssm parameter %q, %w", parameter.Name, err)
	}
	p.cache.SetDefault(parameter.CacheKey(), CacheEntry{Parameter: parameter, Value: value})
	return nil
}

// PutSecret stores value as a SecureString and tags the parameter with the
// owning instance id. PutParameter rejects Tags together with Overwrite, so
// tagging is a second call.
func (p *DefaultProvider) PutSecret(ctx context.Context, parameter Parameter, value string, instanceID string) error {
	if _, err := p.ssmapi.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      lo.ToPtr(parameter.Name),
		Value:     lo.ToPtr(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: lo.ToPtr(true),
	}); err != nil {
		return fmt.Errorf("putting ssm secret %q, %w", parameter.Name, err)
	}
	if _, err := p.ssmapi.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
		ResourceType: ssmtypes.ResourceTypeForTaggingParameter,
		ResourceId:   lo.ToPtr(parameter.Name),
		Tags: []ssmtypes.Tag{
			{Key: lo.ToPtr("InstanceId"), Value: lo.ToPtr(instanceID)},
		},
	}); err != nil {
		return fmt.Errorf("tagging ssm secret %q, %w", parameter.Name, err)
	}
	return nil
}

func (p *DefaultProvider) Delete(ctx context.Context, parameter Parameter) error {
	p.Lock()
	defer p.Unlock()
	p.cache.Delete(parameter.CacheKey())
	if _, err := p.ssmapi.DeleteParameter(ctx, &ssm.DeleteParameterInput{
		Name: lo.ToPtr(parameter.Name),
	}); err != nil {
		return fmt.Errorf("deleting ssm parameter %q, %w", parameter.Name, err)
	}
	return nil
}
