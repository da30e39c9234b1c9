package lifecycle

import (
	"context"

	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
	"github.com/spacegoose/k8s-manager/pkg/settings"
)

// Environment variable names the agent container consumes.
const (
	envUserID      = "USER_ID"
	envProjectID   = "PROJECT_ID"
	envExtensions  = "GOOSE_EXTENSIONS"
	envGithubToken = "GITHUB_TOKEN"
	envAPIKey      = "BLACKBOX_API_KEY"
	envSystemToken = "GOOSE_SYSTEM_TOKEN"
)

// overrides carries credential values handed in by the current call. A
// non-nil pointer to an empty string means "clear the project-level value".
type overrides struct {
	githubToken *string
	apiKey      *string
}

// resolvedKeys reports where each credential came from, for the masked
// metadata the store keeps.
type resolvedKeys struct {
	githubSet    bool
	githubSource model.KeySource
	githubMasked string
	apiKeySet    bool
	apiKeySource model.KeySource
	apiKeyMasked string
}

// resolveEnv computes the full environment for a project: credentials with
// project-over-user precedence, per-setting values (explicit, else default,
// else omitted) and the serialized enabled extensions. Clear credential
// values live only in cluster secrets; stored project values are re-read
// from the project secret, user values from the user-scoped secret.
func (e *Engine) resolveEnv(ctx context.Context, user *model.User, project *model.Project, ov overrides) (render.Env, resolvedKeys, error) {
	var keys resolvedKeys

	githubToken, err := e.resolveCredential(ctx, credentialQuery{
		namespace:     render.NamespaceName(user.UserID),
		override:      ov.githubToken,
		projectOwns:   project.GithubKeySet && project.GithubKeySource == model.KeySourceProject,
		projectSecret: render.SecretName(project.ProjectID),
		projectMasked: project.GithubKeyMasked,
		userOwns:      user.GithubKeySet,
		userSecret:    render.UserGithubSecretName(user.UserID),
		userMasked:    user.GithubKeyMasked,
		dataKey:       envGithubToken,
	})
	if err != nil {
		return render.Env{}, keys, err
	}
	keys.githubSet = githubToken.value != ""
	keys.githubSource = githubToken.source
	keys.githubMasked = githubToken.masked

	apiKey, err := e.resolveCredential(ctx, credentialQuery{
		namespace:     render.NamespaceName(user.UserID),
		override:      ov.apiKey,
		projectOwns:   project.APIKeySet && project.APIKeySource == model.KeySourceProject,
		projectSecret: render.SecretName(project.ProjectID),
		projectMasked: project.APIKeyMasked,
		userOwns:      user.APIKeySet,
		userSecret:    render.UserAPIKeySecretName(user.UserID),
		userMasked:    user.APIKeyMasked,
		dataKey:       envAPIKey,
	})
	if err != nil {
		return render.Env{}, keys, err
	}
	keys.apiKeySet = apiKey.value != ""
	keys.apiKeySource = apiKey.source
	keys.apiKeyMasked = apiKey.masked

	secretData := map[string][]byte{}
	if e.cfg.SystemToken != "" {
		secretData[envSystemToken] = []byte(e.cfg.SystemToken)
	}
	if githubToken.value != "" {
		secretData[envGithubToken] = []byte(githubToken.value)
	}
	if apiKey.value != "" {
		secretData[envAPIKey] = []byte(apiKey.value)
	}

	configData := map[string]string{
		envUserID:    user.UserID,
		envProjectID: project.ProjectID,
	}
	for k, v := range settings.Resolve(project.Settings) {
		configData[k] = v
	}
	serialized, err := model.SerializeExtensions(project.Extensions)
	if err != nil {
		return render.Env{}, keys, err
	}
	configData[envExtensions] = serialized

	return render.Env{ConfigData: configData, SecretData: secretData}, keys, nil
}

type credentialQuery struct {
	namespace     string
	override      *string
	projectOwns   bool
	projectSecret string
	projectMasked string
	userOwns      bool
	userSecret    string
	userMasked    string
	dataKey       string
}

type credentialValue struct {
	value  string
	source model.KeySource
	masked string
}

// resolveCredential walks the precedence chain: explicit override, stored
// project value, user global value, none. A missing secret is treated as an
// unset value, not an error.
func (e *Engine) resolveCredential(ctx context.Context, q credentialQuery) (credentialValue, error) {
	if q.override != nil && *q.override != "" {
		return credentialValue{
			value:  *q.override,
			source: model.KeySourceProject,
			masked: model.MaskKey(*q.override),
		}, nil
	}

	// An explicit clear skips the stored project value and falls through to
	// the user chain.
	if q.override == nil && q.projectOwns {
		value, err := e.readSecretKey(ctx, q.namespace, q.projectSecret, q.dataKey)
		if err != nil {
			return credentialValue{}, err
		}
		if value != "" {
			return credentialValue{value: value, source: model.KeySourceProject, masked: q.projectMasked}, nil
		}
	}

	if q.userOwns {
		value, err := e.readSecretKey(ctx, q.namespace, q.userSecret, q.dataKey)
		if err != nil {
			return credentialValue{}, err
		}
		if value != "" {
			return credentialValue{value: value, source: model.KeySourceUser, masked: q.userMasked}, nil
		}
	}

	return credentialValue{}, nil
}

func (e *Engine) readSecretKey(ctx context.Context, namespace, name, key string) (string, error) {
	data, err := e.orch.ReadSecret(ctx, namespace, name)
	if apierror.Is(err, apierror.KindNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data[key]), nil
}
