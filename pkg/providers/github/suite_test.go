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

package github_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/fake"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/test"
)

var ctx context.Context
var env *test.Environment
var appKey *rsa.PrivateKey

func TestGithub(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "GithubProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
	appKey = lo.Must(rsa.GenerateKey(rand.Reader, 2048))
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
})

var _ = Describe("Scope", func() {
	It("should render organization scopes", func() {
		scope := github.OrgScope("test-org")
		Expect(scope.IsOrg()).To(BeTrue())
		Expect(scope.String()).To(Equal("test-org"))
	})
	It("should render repository scopes", func() {
		scope := github.RepoScope("test-org", "test-repo")
		Expect(scope.IsOrg()).To(BeFalse())
		Expect(scope.String()).To(Equal("test-org/test-repo"))
	})
	It("should parse owner tags back into scopes", func() {
		Expect(github.ParseScope("test-org")).To(Equal(github.OrgScope("test-org")))
		Expect(github.ParseScope("test-org/test-repo")).To(Equal(github.RepoScope("test-org", "test-repo")))
	})
})

var _ = Describe("Endpoints", func() {
	It("should default to github.com", func() {
		Expect(lo.Must(github.APIEndpoint(""))).To(Equal(""))
		Expect(lo.Must(github.UploadsEndpoint(""))).To(Equal(""))
	})
	It("should serve classic enterprise installs under their path prefixes", func() {
		Expect(lo.Must(github.APIEndpoint("https://github.example.com"))).To(Equal("https://github.example.com/api/v3"))
		Expect(lo.Must(github.UploadsEndpoint("https://github.example.com"))).To(Equal("https://github.example.com/api/uploads"))
	})
	It("should trim a trailing slash", func() {
		Expect(lo.Must(github.APIEndpoint("https://github.example.com/"))).To(Equal("https://github.example.com/api/v3"))
	})
	It("should use subdomains for data residency hosts", func() {
		Expect(lo.Must(github.APIEndpoint("https://company.ghe.com"))).To(Equal("https://api.company.ghe.com"))
		Expect(lo.Must(github.UploadsEndpoint("https://company.ghe.com"))).To(Equal("https://uploads.company.ghe.com"))
	})
})

var _ = Describe("IsNotFound", func() {
	It("should recognize 404 responses", func() {
		Expect(github.IsNotFound(fake.NotFoundError())).To(BeTrue())
	})
	It("should unwrap before checking", func() {
		Expect(github.IsNotFound(fmt.Errorf("getting runner, %w", fake.NotFoundError()))).To(BeTrue())
	})
	It("should not match other errors", func() {
		Expect(github.IsNotFound(fmt.Errorf("api down"))).To(BeFalse())
		Expect(github.IsNotFound(nil)).To(BeFalse())
	})
})

var _ = Describe("ResolveAppCredentials", func() {
	encodedKey := func(key *rsa.PrivateKey) string {
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		return base64.StdEncoding.EncodeToString(pemBytes)
	}

	It("should resolve the app identity from the parameter store", func() {
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/id", "12345")
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/key", encodedKey(appKey))

		creds, err := github.ResolveAppCredentials(ctx, env.SSMProvider)
		Expect(err).ToNot(HaveOccurred())
		Expect(creds.AppID).To(Equal("12345"))
		Expect(creds.Key.Equal(appKey)).To(BeTrue())
	})
	It("should fail when the app id parameter is missing", func() {
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/key", encodedKey(appKey))
		_, err := github.ResolveAppCredentials(ctx, env.SSMProvider)
		Expect(err).To(HaveOccurred())
	})
	It("should fail when the key is not base64", func() {
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/id", "12345")
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/key", "not base64!")
		_, err := github.ResolveAppCredentials(ctx, env.SSMProvider)
		Expect(err).To(HaveOccurred())
	})
	It("should fail when the key does not parse", func() {
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/id", "12345")
		env.SSMAPI.Parameters.Store("/runnerfleet/test/app/key", base64.StdEncoding.EncodeToString([]byte("not a pem")))
		_, err := github.ResolveAppCredentials(ctx, env.SSMProvider)
		Expect(err).To(HaveOccurred())
	})
})
