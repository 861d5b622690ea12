//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/bissquit/incident-remediator/internal/app"
	"github.com/bissquit/incident-remediator/internal/config"
	"github.com/bissquit/incident-remediator/internal/notifications"
	"github.com/bissquit/incident-remediator/internal/testutil"
)

const (
	// OpenAPI spec path relative to the tests/integration directory.
	openAPISpecPath = "../../api/openapi/openapi.yaml"

	testAPIKey = "integration-key"
	testServer = "web-01"
	region     = "us-east-1"
)

var (
	server        *httptest.Server
	testValidator *testutil.OpenAPIValidator
	stages        *stageFake
	tickets       *ticketFake
	webhook       *webhookFake

	// instanceID is the LocalStack instance tagged Name=web-01.
	instanceID string
)

// newTestClient creates a new test client with OpenAPI validation enabled.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(t, server.URL, testValidator)
	client.APIKey = testAPIKey
	return client
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	localstack, err := testutil.NewLocalStackContainer(ctx)
	if err != nil {
		log.Fatalf("start localstack: %v", err)
	}
	defer func() {
		if err := localstack.Terminate(ctx); err != nil {
			log.Printf("terminate localstack: %v", err)
		}
	}()

	if err := seedAWS(ctx, localstack.Endpoint); err != nil {
		log.Fatalf("seed localstack: %v", err)
	}

	stages = newStageFake()
	tickets = newTicketFake()
	webhook = newWebhookFake()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.Migrations = "file://../../migrations"
	cfg.Database.MaxOpenConns = 5
	cfg.Database.MaxIdleConns = 2
	cfg.Database.ConnectTimeout = 30 * time.Second
	cfg.AWS = config.AWSConfig{Region: region, Endpoint: localstack.Endpoint}
	cfg.Stages.Analyze = stages.URL + "/analyze"
	cfg.Stages.Validate = stages.URL + "/validate"
	cfg.Stages.RetrieveProcedure = stages.URL + "/sop"
	cfg.Stages.Timeout = 10 * time.Second
	cfg.Ticketing.BaseURL = tickets.URL
	cfg.Ticketing.CredentialsSecret = "remediator/servicenow"
	cfg.Ticketing.RateLimit = 0
	cfg.Pager.Targets = []notifications.Target{{Channel: notifications.ChannelMattermost, To: webhook.URL}}
	cfg.Pager.Retry = notifications.DefaultRetry
	cfg.API.Keys = []string{testAPIKey}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid test config: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	server = httptest.NewServer(application.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	server.Close()
	stages.Close()
	tickets.Close()
	webhook.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}

// seedAWS stores the ticketing credentials and launches the web-01 instance.
func seedAWS(ctx context.Context, endpoint string) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return err
	}

	sm := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	if _, err := sm.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String("remediator/servicenow"),
		SecretString: aws.String(`{"username":"svc","password":"pw"}`),
	}); err != nil {
		return err
	}

	ec2Client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	out, err := ec2Client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String("ami-df5de72bdb3b"),
		InstanceType: ec2types.InstanceTypeT3Micro,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(testServer)}},
		}},
	})
	if err != nil {
		return err
	}
	instanceID = aws.ToString(out.Instances[0].InstanceId)
	return nil
}
