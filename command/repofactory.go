package command

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"cloud.google.com/go/storage"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/repo"
	repoazure "github.com/pgbackrest-go/pgbackrest/repo/azure"
	repogcs "github.com/pgbackrest-go/pgbackrest/repo/gcs"
	repoposix "github.com/pgbackrest-go/pgbackrest/repo/posix"
	repos3 "github.com/pgbackrest-go/pgbackrest/repo/s3"
	reposftp "github.com/pgbackrest-go/pgbackrest/repo/sftp"
)

// NamedRepo pairs a configured repository backend with the "repoN" label
// it was declared under, the same label archivepush.RepoTarget and
// backup.CopyHandler's per-repository result map key against.
type NamedRepo struct {
	Label string
	Repo  repo.Repo
}

// BuildRepos constructs every configured repoN backend in ascending index
// order, stopping at the first index with no repoN-type set. repo1 is
// mandatory; repo2..repo4 are optional multi-repository targets.
func BuildRepos(ctx context.Context, r *procconfig.Resolver) ([]NamedRepo, error) {
	var out []NamedRepo
	for i := 1; i <= maxRepos; i++ {
		label := fmt.Sprintf("repo%d", i)
		kind := r.String(label+"-type", "")
		if kind == "" {
			if i == 1 {
				return nil, pgerr.New(pgerr.OptionRequiredError, "option repo1-type is required")
			}
			break
		}

		backend, err := buildBackend(ctx, r, label, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, NamedRepo{Label: label, Repo: backend})
	}
	return out, nil
}

func buildBackend(ctx context.Context, r *procconfig.Resolver, label, kind string) (repo.Repo, error) {
	switch kind {
	case "posix":
		return buildPosix(r, label)
	case "s3":
		return buildS3(ctx, r, label)
	case "azure":
		return buildAzure(r, label)
	case "gcs":
		return buildGCS(ctx, r, label)
	case "sftp":
		return buildSFTP(r, label)
	default:
		return nil, pgerr.New(pgerr.ParamInvalidError, "%s-type: unknown repository type %q", label, kind)
	}
}

func buildPosix(r *procconfig.Resolver, label string) (repo.Repo, error) {
	path, err := r.Required(label + "-path")
	if err != nil {
		return nil, err
	}
	return repoposix.New(path)
}

func buildS3(ctx context.Context, r *procconfig.Resolver, label string) (repo.Repo, error) {
	bucket, err := r.Required(label + "-s3-bucket")
	if err != nil {
		return nil, err
	}
	region := r.String(label+"-s3-region", "us-east-1")
	endpoint := r.String(label+"-s3-endpoint", "")
	keyID := r.String(label+"-s3-key", "")
	secret := r.String(label+"-s3-key-secret", "")
	prefix := r.String(label+"-path", "")
	versioned, err := r.Bool(label+"-s3-versioned", false)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if keyID != "" && secret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.HostConnectError, err, "%s: load AWS config", label)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return repos3.New(client, repos3.Config{Bucket: bucket, Prefix: prefix, Versioned: versioned}), nil
}

func buildAzure(r *procconfig.Resolver, label string) (repo.Repo, error) {
	account, err := r.Required(label + "-azure-account")
	if err != nil {
		return nil, err
	}
	key, err := r.Required(label + "-azure-key")
	if err != nil {
		return nil, err
	}
	container, err := r.Required(label + "-azure-container")
	if err != nil {
		return nil, err
	}
	prefix := r.String(label+"-path", "")

	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.ParamInvalidError, err, "%s: build azure credential", label)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net/", account), cred, nil)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.HostConnectError, err, "%s: build azure client", label)
	}

	return repoazure.New(client, container, prefix), nil
}

func buildGCS(ctx context.Context, r *procconfig.Resolver, label string) (repo.Repo, error) {
	bucket, err := r.Required(label + "-gcs-bucket")
	if err != nil {
		return nil, err
	}
	prefix := r.String(label+"-path", "")

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.HostConnectError, err, "%s: build gcs client", label)
	}

	return repogcs.New(client, bucket, prefix), nil
}

func buildSFTP(r *procconfig.Resolver, label string) (repo.Repo, error) {
	host, err := r.Required(label + "-sftp-host")
	if err != nil {
		return nil, err
	}
	user, err := r.Required(label + "-sftp-user")
	if err != nil {
		return nil, err
	}
	password := r.String(label+"-sftp-password", "")
	root := r.String(label+"-path", "/")
	port, err := r.Int(label+"-sftp-port", 22)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key pinning is not yet surfaced as an option
	}
	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), cfg)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.HostConnectError, err, "%s: dial sftp host %s", label, host)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.HostConnectError, err, "%s: open sftp session", label)
	}

	return reposftp.New(client, root), nil
}
