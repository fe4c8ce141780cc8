package service

import (
	"context"
	"errors"
)

// 错误分类。上层用 errors.Is 判定：哪些错误吸收进镜头重试，
// 哪些让流水线停住，哪些只是取消（不算失败）。
var (
	// ErrScriptGeneration 剧本拆解失败（空脚本/解析不出镜头/上游失败），项目级致命
	ErrScriptGeneration = errors.New("script generation failed")
	// ErrReferenceAnalysis 参考图分析失败，analysis_complete 保持 false
	ErrReferenceAnalysis = errors.New("reference analysis failed")
	// ErrAudit 审片服务失败，不产生审片结论
	ErrAudit = errors.New("cinematic audit failed")
	// ErrGeneration 单次生成尝试失败，吸收进重试预算，不直接停流水线
	ErrGeneration = errors.New("generation attempt failed")
	// ErrInsufficientCredits 余额不足，流水线在镜头进入 generating 之前停住
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrRunCancelled 用户取消，进行中镜头回退 pending，不算失败
	ErrRunCancelled = errors.New("production run cancelled")
	// ErrExport 成片导出失败
	ErrExport = errors.New("export failed")
	// ErrPrecondition 开拍前置条件不满足（形象档案未就绪/审片未通过）
	ErrPrecondition = errors.New("production preconditions not met")
	// ErrNothingToExport 没有任何已完成镜头，无成片可导出
	ErrNothingToExport = errors.New("nothing to export")
)

// IsCancellation 把 context 取消与业务取消归并成同一类结论
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrRunCancelled)
}
