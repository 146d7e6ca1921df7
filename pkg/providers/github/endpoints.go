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

package github

import (
	"fmt"
	"net/url"
	"strings"
)

// APIEndpoint returns the REST API base URL for a GitHub deployment. Data
// residency hosts (*.ghe.com) serve the API on the api. subdomain, classic
// GHES installs serve it under /api/v3. An empty ghesURL means github.com.
func APIEndpoint(ghesURL string) (string, error) {
	if ghesURL == "" {
		return "", nil
	}
	u, err := url.Parse(ghesURL)
	if err != nil {
		return "", fmt.Errorf("parsing ghes url %q, %w", ghesURL, err)
	}
	if strings.HasSuffix(u.Hostname(), ".ghe.com") {
		return fmt.Sprintf("%s://api.%s", u.Scheme, u.Host), nil
	}
	return strings.TrimSuffix(ghesURL, "/") + "/api/v3", nil
}

// UploadsEndpoint mirrors APIEndpoint for the uploads base URL.
func UploadsEndpoint(ghesURL string) (string, error) {
	if ghesURL == "" {
		return "", nil
	}
	u, err := url.Parse(ghesURL)
	if err != nil {
		return "", fmt.Errorf("parsing ghes url %q, %w", ghesURL, err)
	}
	if strings.HasSuffix(u.Hostname(), ".ghe.com") {
		return fmt.Sprintf("%s://uploads.%s", u.Scheme, u.Host), nil
	}
	return strings.TrimSuffix(ghesURL, "/") + "/api/uploads", nil
}
