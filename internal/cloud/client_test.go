package cloud

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEC2 struct {
	instances   *ec2.DescribeInstancesOutput
	statuses    *ec2.DescribeInstanceStatusOutput
	err         error
	lastFilters []ec2types.Filter
	started     []string
}

func (m *mockEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.lastFilters = in.Filters
	if m.err != nil {
		return nil, m.err
	}
	return m.instances, nil
}

func (m *mockEC2) DescribeInstanceStatus(_ context.Context, in *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.statuses, nil
}

func (m *mockEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.started = append(m.started, in.InstanceIds...)
	return &ec2.StartInstancesOutput{
		StartingInstances: []ec2types.InstanceStateChange{{
			InstanceId:    aws.String(in.InstanceIds[0]),
			PreviousState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
			CurrentState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
		}},
	}, nil
}

type mockSSM struct {
	out *ssm.DescribeInstanceInformationOutput
	err error
}

func (m *mockSSM) DescribeInstanceInformation(_ context.Context, _ *ssm.DescribeInstanceInformationInput, _ ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error) {
	return m.out, m.err
}

func statusOutput(state ec2types.InstanceStateName) *ec2.DescribeInstanceStatusOutput {
	return &ec2.DescribeInstanceStatusOutput{
		InstanceStatuses: []ec2types.InstanceStatus{{
			InstanceId:    aws.String("i-0abc"),
			InstanceState: &ec2types.InstanceState{Name: state},
		}},
	}
}

func TestClient_ResolveInstanceID(t *testing.T) {
	m := &mockEC2{instances: &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{InstanceId: aws.String("i-0abc")}},
		}},
	}}
	c := NewClient(m, &mockSSM{})

	id, err := c.ResolveInstanceID(context.Background(), "web-01")

	require.NoError(t, err)
	assert.Equal(t, "i-0abc", id)
	require.Len(t, m.lastFilters, 1)
	assert.Equal(t, "tag:Name", aws.ToString(m.lastFilters[0].Name))
	assert.Equal(t, []string{"web-01"}, m.lastFilters[0].Values)
}

func TestClient_ResolveInstanceID_NotFound(t *testing.T) {
	c := NewClient(&mockEC2{instances: &ec2.DescribeInstancesOutput{}}, &mockSSM{})

	_, err := c.ResolveInstanceID(context.Background(), "ghost")

	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestClient_ResolveInstanceID_APIError(t *testing.T) {
	apiErr := errors.New("throttled")
	c := NewClient(&mockEC2{err: apiErr}, &mockSSM{})

	_, err := c.ResolveInstanceID(context.Background(), "web-01")

	assert.ErrorIs(t, err, apiErr)
}

func TestClient_IsRunning(t *testing.T) {
	tests := []struct {
		state ec2types.InstanceStateName
		want  bool
	}{
		{ec2types.InstanceStateNameRunning, true},
		{ec2types.InstanceStateNamePending, false},
		{ec2types.InstanceStateNameStopped, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			c := NewClient(&mockEC2{statuses: statusOutput(tt.state)}, &mockSSM{})

			running, err := c.IsRunning(context.Background(), "i-0abc")

			require.NoError(t, err)
			assert.Equal(t, tt.want, running)
		})
	}
}

func TestClient_InstanceState_Missing(t *testing.T) {
	c := NewClient(&mockEC2{statuses: &ec2.DescribeInstanceStatusOutput{}}, &mockSSM{})

	_, err := c.InstanceState(context.Background(), "i-0abc")

	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestClient_StartInstance(t *testing.T) {
	m := &mockEC2{}
	c := NewClient(m, &mockSSM{})

	require.NoError(t, c.StartInstance(context.Background(), "i-0abc"))
	assert.Equal(t, []string{"i-0abc"}, m.started)
}

func TestClient_Reachable(t *testing.T) {
	tests := []struct {
		name    string
		out     *ssm.DescribeInstanceInformationOutput
		want    bool
		wantErr error
	}{
		{
			name: "online",
			out: &ssm.DescribeInstanceInformationOutput{InstanceInformationList: []ssmtypes.InstanceInformation{
				{PingStatus: ssmtypes.PingStatusOnline},
			}},
			want: true,
		},
		{
			name: "connection lost",
			out: &ssm.DescribeInstanceInformationOutput{InstanceInformationList: []ssmtypes.InstanceInformation{
				{PingStatus: ssmtypes.PingStatusConnectionLost},
			}},
			want: false,
		},
		{
			name:    "not registered",
			out:     &ssm.DescribeInstanceInformationOutput{},
			wantErr: ErrAgentOffline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&mockEC2{}, &mockSSM{out: tt.out})

			ok, err := c.Reachable(context.Background(), "i-0abc")

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
