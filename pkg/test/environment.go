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

package test

import (
	"time"

	"github.com/patrickmn/go-cache"
	clock "k8s.io/utils/clock/testing"

	runnercache "github.com/runnerfleet/runnerfleet/pkg/cache"
	"github.com/runnerfleet/runnerfleet/pkg/fake"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	ssmp "github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

type Environment struct {
	// Mock
	Clock *clock.FakeClock

	// API
	EC2API    *fake.EC2API
	SSMAPI    *fake.SSMAPI
	SQSAPI    *fake.SQSAPI
	GithubAPI *fake.GithubAPI

	// Cache
	SSMCache *cache.Cache

	// Providers
	InstanceProvider *instance.DefaultProvider
	SSMProvider      *ssmp.DefaultProvider
}

func NewEnvironment() *Environment {
	// Mock
	clock := &clock.FakeClock{}

	// API
	ec2api := &fake.EC2API{}
	ssmapi := &fake.SSMAPI{}
	sqsapi := &fake.SQSAPI{}
	githubapi := &fake.GithubAPI{}

	// Cache
	ssmCache := cache.New(runnercache.SSMParameterTTL, runnercache.DefaultCleanupInterval)

	// Providers
	ssmProvider := ssmp.NewDefaultProvider(ssmapi, ssmCache)
	instanceProvider := instance.NewDefaultProvider(ec2api, ssmProvider)

	return &Environment{
		Clock: clock,

		EC2API:    ec2api,
		SSMAPI:    ssmapi,
		SQSAPI:    sqsapi,
		GithubAPI: githubapi,

		SSMCache: ssmCache,

		InstanceProvider: instanceProvider,
		SSMProvider:      ssmProvider,
	}
}

func (env *Environment) Reset() {
	env.Clock.SetTime(time.Time{})
	env.EC2API.Reset()
	env.SSMAPI.Reset()
	env.SQSAPI.Reset()
	env.GithubAPI.Reset()

	env.SSMCache.Flush()
}
