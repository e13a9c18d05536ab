package httpsrv

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("httpsrv",
	fx.Provide(
		fx.Annotate(NewRouter, fx.ResultTags(`name:"main_mux"`)),
		fx.Annotate(NewOpsRouter, fx.ResultTags(`name:"ops_mux"`)),
		fx.Annotate(New, fx.ParamTags(``, `name:"main_mux"`, `name:"ops_mux"`)),
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error { return s.Start() },
			OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
		})
	}),
)
