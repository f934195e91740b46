package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCognito struct{ mock.Mock }

func (m *mockCognito) AdminGetUser(ctx context.Context, in *cip.AdminGetUserInput, _ ...func(*cip.Options)) (*cip.AdminGetUserOutput, error) {
	args := m.Called(ctx, aws.ToString(in.Username))
	out, _ := args.Get(0).(*cip.AdminGetUserOutput)
	return out, args.Error(1)
}

func (m *mockCognito) AdminDisableUser(ctx context.Context, in *cip.AdminDisableUserInput, _ ...func(*cip.Options)) (*cip.AdminDisableUserOutput, error) {
	args := m.Called(ctx, aws.ToString(in.Username))
	return &cip.AdminDisableUserOutput{}, args.Error(0)
}

func (m *mockCognito) AdminDeleteUser(ctx context.Context, in *cip.AdminDeleteUserInput, _ ...func(*cip.Options)) (*cip.AdminDeleteUserOutput, error) {
	args := m.Called(ctx, aws.ToString(in.Username))
	return &cip.AdminDeleteUserOutput{}, args.Error(0)
}

func TestLookupEmail(t *testing.T) {
	api := &mockCognito{}
	svc := NewCognitoService(api, "pool-1")
	api.On("AdminGetUser", mock.Anything, "testuser").Return(&cip.AdminGetUserOutput{
		UserAttributes: []types.AttributeType{
			{Name: aws.String("sub"), Value: aws.String("acc-1")},
			{Name: aws.String("email"), Value: aws.String("testuser@mail.de")},
		},
	}, nil)

	email, err := svc.LookupEmail(context.Background(), "testuser")
	require.NoError(t, err)
	assert.Equal(t, "testuser@mail.de", email)
}

func TestLookupEmailMissingAttribute(t *testing.T) {
	api := &mockCognito{}
	svc := NewCognitoService(api, "pool-1")
	api.On("AdminGetUser", mock.Anything, "testuser").Return(&cip.AdminGetUserOutput{}, nil)

	_, err := svc.LookupEmail(context.Background(), "testuser")
	assert.ErrorIs(t, err, ErrMissingEmail)
}

func TestLookupEmailUnknownUser(t *testing.T) {
	api := &mockCognito{}
	svc := NewCognitoService(api, "pool-1")
	api.On("AdminGetUser", mock.Anything, "ghost").Return(nil, &types.UserNotFoundException{Message: aws.String("nope")})

	_, err := svc.LookupEmail(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	api := &mockCognito{}
	svc := NewCognitoService(api, "pool-1")
	api.On("AdminDeleteUser", mock.Anything, "ghost").Return(&smithy.GenericAPIError{Code: "UserNotFoundException"})

	assert.NoError(t, svc.Delete(context.Background(), "ghost"))
}

func TestDeletePropagatesOtherErrors(t *testing.T) {
	api := &mockCognito{}
	svc := NewCognitoService(api, "pool-1")
	boom := errors.New("throttled")
	api.On("AdminDeleteUser", mock.Anything, "testuser").Return(boom)

	assert.ErrorIs(t, svc.Delete(context.Background(), "testuser"), boom)
}

func TestDisableUnknownUser(t *testing.T) {
	api := &mockCognito{}
	svc := NewCognitoService(api, "pool-1")
	api.On("AdminDisableUser", mock.Anything, "ghost").Return(&types.UserNotFoundException{})

	assert.ErrorIs(t, svc.Disable(context.Background(), "ghost"), ErrIdentityNotFound)
}
