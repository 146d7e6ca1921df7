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
	"fmt"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"

	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
)

type RunnerOptions struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
}

// Runner builds an upstream runner. The name defaults to the convention the
// launch user data follows, prefix plus instance id, so tests matching
// runners to instances pass the instance id as Name.
func Runner(overrides ...RunnerOptions) *github.Runner {
	options := RunnerOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge runner options: %s", err))
		}
	}
	if options.ID == 0 {
		options.ID = int64(randomdata.Number(1, 1<<31))
	}
	if options.Name == "" {
		options.Name = fmt.Sprintf("runner-%d", options.ID)
	}
	if options.Status == "" {
		options.Status = github.RunnerStatusOnline
	}
	return &github.Runner{
		ID:     options.ID,
		Name:   options.Name,
		Status: options.Status,
		Busy:   options.Busy,
	}
}
