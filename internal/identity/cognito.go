package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrMissingEmail     = errors.New("identity has no email")
)

// CognitoAPI is the subset of the Cognito admin API the service calls.
type CognitoAPI interface {
	AdminGetUser(ctx context.Context, in *cip.AdminGetUserInput, optFns ...func(*cip.Options)) (*cip.AdminGetUserOutput, error)
	AdminDisableUser(ctx context.Context, in *cip.AdminDisableUserInput, optFns ...func(*cip.Options)) (*cip.AdminDisableUserOutput, error)
	AdminDeleteUser(ctx context.Context, in *cip.AdminDeleteUserInput, optFns ...func(*cip.Options)) (*cip.AdminDeleteUserOutput, error)
}

// CognitoService resolves, disables and deletes users of one user pool.
type CognitoService struct {
	api    CognitoAPI
	poolID string
}

func NewCognitoService(api CognitoAPI, userPoolID string) *CognitoService {
	return &CognitoService{api: api, poolID: userPoolID}
}

func NewCognitoClient(cfg aws.Config) *cip.Client {
	return cip.NewFromConfig(cfg)
}

func (s *CognitoService) LookupEmail(ctx context.Context, username string) (string, error) {
	out, err := s.api.AdminGetUser(ctx, &cip.AdminGetUserInput{
		UserPoolId: aws.String(s.poolID),
		Username:   aws.String(username),
	})
	if err != nil {
		if isUserNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrIdentityNotFound, username)
		}
		return "", err
	}
	for _, attr := range out.UserAttributes {
		if aws.ToString(attr.Name) == "email" {
			if email := strings.TrimSpace(aws.ToString(attr.Value)); email != "" {
				return email, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingEmail, username)
}

func (s *CognitoService) Disable(ctx context.Context, username string) error {
	_, err := s.api.AdminDisableUser(ctx, &cip.AdminDisableUserInput{
		UserPoolId: aws.String(s.poolID),
		Username:   aws.String(username),
	})
	if err != nil && isUserNotFound(err) {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, username)
	}
	return err
}

// Delete removes the user; a user that is already gone is not an error.
func (s *CognitoService) Delete(ctx context.Context, username string) error {
	_, err := s.api.AdminDeleteUser(ctx, &cip.AdminDeleteUserInput{
		UserPoolId: aws.String(s.poolID),
		Username:   aws.String(username),
	})
	if err != nil && isUserNotFound(err) {
		return nil
	}
	return err
}

func isUserNotFound(err error) bool {
	var nf *types.UserNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "UserNotFoundException"
}
