// Package cloud wraps the EC2 and SSM calls the remediation pipeline needs.
// Stop, reboot and terminate are intentionally absent.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// Errors.
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrAgentOffline     = errors.New("ssm agent not connected")
)

// StateRunning is the EC2 state name of a running instance.
const StateRunning = "running"

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
}

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	DescribeInstanceInformation(ctx context.Context, in *ssm.DescribeInstanceInformationInput, opts ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
}

// Config holds AWS client configuration.
type Config struct {
	Region   string
	Endpoint string // optional, for LocalStack and similar
}

// Client performs instance lookups and non-destructive instance operations.
type Client struct {
	ec2 EC2API
	ssm SSMAPI
}

// New creates a Client from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	ec2Client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewClient(ec2Client, ssmClient), nil
}

// NewClient creates a Client around existing API clients.
func NewClient(ec2API EC2API, ssmAPI SSMAPI) *Client {
	return &Client{ec2: ec2API, ssm: ssmAPI}
}

// ResolveInstanceID returns the id of the first instance tagged Name=serverName.
func (c *Client) ResolveInstanceID(ctx context.Context, serverName string) (string, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{serverName}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe instances: %w", err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if id := aws.ToString(instance.InstanceId); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", serverName, ErrInstanceNotFound)
}

// InstanceState returns the EC2 state name, e.g. "stopped" or "running".
func (c *Client) InstanceState(ctx context.Context, instanceID string) (string, error) {
	out, err := c.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("describe instance status: %w", err)
	}
	if len(out.InstanceStatuses) == 0 || out.InstanceStatuses[0].InstanceState == nil {
		return "", fmt.Errorf("%s: %w", instanceID, ErrInstanceNotFound)
	}
	return string(out.InstanceStatuses[0].InstanceState.Name), nil
}

// IsRunning reports whether the instance is in the running state.
func (c *Client) IsRunning(ctx context.Context, instanceID string) (bool, error) {
	state, err := c.InstanceState(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return state == StateRunning, nil
}

// StartInstance requests that the instance be started.
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	out, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("start instance: %w", err)
	}

	for _, change := range out.StartingInstances {
		slog.Info("instance start requested",
			"instance_id", aws.ToString(change.InstanceId),
			"previous_state", stateName(change.PreviousState),
			"current_state", stateName(change.CurrentState),
		)
	}
	return nil
}

// Reachable reports whether the SSM agent on the instance is online.
func (c *Client) Reachable(ctx context.Context, instanceID string) (bool, error) {
	out, err := c.ssm.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []ssmtypes.InstanceInformationStringFilter{
			{Key: aws.String("InstanceIds"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		return false, fmt.Errorf("describe instance information: %w", err)
	}
	if len(out.InstanceInformationList) == 0 {
		return false, ErrAgentOffline
	}
	return out.InstanceInformationList[0].PingStatus == ssmtypes.PingStatusOnline, nil
}

func stateName(s *ec2types.InstanceState) string {
	if s == nil {
		return ""
	}
	return string(s.Name)
}
