/*
Copyright 2024 The EDA Server Authors.

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

package containerengine

import (
	"context"

	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	enginerrors "github.com/ansible/eda-server-sub000/pkg/containerengine/errors"
	"github.com/ansible/eda-server-sub000/pkg/containerengine/kubernetes"
	"github.com/ansible/eda-server-sub000/pkg/containerengine/podman"
	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
)

var engines = map[config.DeploymentType]func(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (enginetypes.Engine, error){
	config.DeploymentPodman: func(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (enginetypes.Engine, error) {
		return podman.New(ctx, cfg.PodmanSocketURL, log)
	},
	config.DeploymentK8s: func(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (enginetypes.Engine, error) {
		return kubernetes.New(ctx, cfg.K8sNamespaceOverride, cfg.EngineRequestTimeout, log)
	},
}

// New returns the engine backend for the configured deployment type.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (enginetypes.Engine, error) {
	if build, found := engines[cfg.DeploymentType]; found {
		return build(ctx, cfg, log)
	}
	return nil, enginerrors.ErrEngineNotFound
}
