package sqlinline

// Refund is keyed by job, not by user: the outstanding charge is zeroed in
// the same statement that credits it back, so reprocessing a job that was
// already compensated returns no row instead of minting credits.
const QRefundJobCredits = `--sql 4b8e2f61-9c05-4a7d-bd38-2e61f0a59c87
with target as (
  select id, user_id, charged_credits
  from edit_jobs
  where id = $1::uuid
    and charged_credits > 0
  for update
),
zeroed as (
  update edit_jobs j
  set charged_credits = 0,
      updated_at = now()
  from target t
  where j.id = t.id
),
refunded as (
  update users u
  set credits = u.credits + t.charged_credits,
      updated_at = now()
  from target t
  where u.id = t.user_id
  returning u.credits
)
select t.charged_credits, r.credits
from target t, refunded r;
`

const QSelectCreditBalance = `--sql 92e64b08-31fa-47dc-b5a8-07c9d1e8f364
select credits
from users
where id = $1::uuid
limit 1;
`
