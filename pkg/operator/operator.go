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

package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	servicesqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
	runnercache "github.com/runnerfleet/runnerfleet/pkg/cache"
	"github.com/runnerfleet/runnerfleet/pkg/controllers"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/metrics"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	ssmp "github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

// Operator bundles the process-wide dependencies the controllers are wired
// from: AWS clients, providers and the clock.
type Operator struct {
	Clock            clock.Clock
	Config           aws.Config
	EC2API           sdk.EC2API
	SSMAPI           sdk.SSMAPI
	SQSAPI           sdk.SQSAPI
	InstanceProvider instance.Provider
	SSMProvider      ssmp.Provider
	GithubProvider   github.Provider

	runners []controllers.Runner
}

// NewOperator parses configuration, connects the AWS and GitHub clients and
// returns the context every controller inherits. Failures here are fatal, the
// process cannot do anything useful without its dependencies.
func NewOperator() (context.Context, *Operator) {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	opts := options.New().MustParse()
	logger, err := log.NewLogger(opts.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %s\n", err)
		os.Exit(1)
	}
	ctx = log.IntoContext(ctx, logger)
	ctx = opts.ToContext(ctx)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithAPIOptions([]func(*middleware.Stack) error{awsmiddleware.AddUserAgentKey("runnerfleet")}),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		logger.Error(err, "loading AWS configuration")
		os.Exit(1)
	}
	cfg = prometheusv2.WithPrometheusMetrics(cfg, metrics.Registry)
	ec2api := ec2.NewFromConfig(cfg)
	if err := CheckEC2Connectivity(ctx, ec2api); err != nil {
		logger.Error(err, "checking EC2 API connectivity")
		os.Exit(1)
	}
	logger.Info("connected", "region", cfg.Region, "environment", opts.Environment)
	ssmapi := awsssm.NewFromConfig(cfg)
	sqsapi := servicesqs.NewFromConfig(cfg)

	ssmProvider := ssmp.NewDefaultProvider(ssmapi, cache.New(runnercache.SSMParameterTTL, runnercache.DefaultCleanupInterval))
	instanceProvider := instance.NewDefaultProvider(ec2api, ssmProvider)
	creds, err := github.ResolveAppCredentials(ctx, ssmProvider)
	if err != nil {
		logger.Error(err, "resolving GitHub App credentials")
		os.Exit(1)
	}
	githubProvider, err := github.NewDefaultProvider(creds, opts.GHESURL, ssmProvider, cache.New(runnercache.RunnerGroupTTL, runnercache.DefaultCleanupInterval))
	if err != nil {
		logger.Error(err, "building GitHub provider")
		os.Exit(1)
	}

	return ctx, &Operator{
		Clock:            clock.RealClock{},
		Config:           cfg,
		EC2API:           ec2api,
		SSMAPI:           ssmapi,
		SQSAPI:           sqsapi,
		InstanceProvider: instanceProvider,
		SSMProvider:      ssmProvider,
		GithubProvider:   githubProvider,
	}
}

func (o *Operator) WithControllers(runners ...controllers.Runner) *Operator {
	o.runners = append(o.runners, runners...)
	return o
}

// Start runs every controller plus the metrics and health endpoints and
// blocks until the context ends or a server fails.
func (o *Operator) Start(ctx context.Context) {
	opts := options.FromContext(ctx)
	group, ctx := errgroup.WithContext(ctx)
	for _, runner := range o.runners {
		group.Go(func() error {
			runner.Start(ctx)
			return nil
		})
	}
	group.Go(func() error {
		return serve(ctx, opts.MetricsPort, metricsMux())
	})
	group.Go(func() error {
		return serve(ctx, opts.HealthProbePort, healthProbeMux())
	})
	if err := group.Wait(); err != nil {
		log.FromContext(ctx).Error(err, "shutting down")
	}
}

// CheckEC2Connectivity makes a dry-run call to DescribeInstances. If it fails,
// we provide an early indicator that we are having issues connecting to the
// EC2 API.
func CheckEC2Connectivity(ctx context.Context, api sdk.EC2API) error {
	_, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{DryRun: aws.Bool(true)})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "DryRunOperation" {
		return nil
	}
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func healthProbeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

func serve(ctx context.Context, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return fmt.Errorf("serving on port %d, %w", port, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
